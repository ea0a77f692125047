package reconciler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/connector"
	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/stream"
	"github.com/aurora-admin/aurora/pkg/translator"
	"github.com/aurora-admin/aurora/pkg/types"
)

// journalLine matches one journal entry and captures the message after
// the "unit[pid]: " prefix.
var journalLine = regexp.MustCompile(`\w+\[[0-9]+\]: (.*)`)

// UsageRecorder rolls captured filter-counter output into port usage
// rows. Implemented by the traffic package; plans that touch counters
// feed their output through it with accumulate set.
type UsageRecorder interface {
	Record(ctx context.Context, serverID, output string, accumulate bool) error
}

// BinaryLookup resolves a method binary name to a local blob path in
// the panel file store. Absence is an error; the executor then falls
// back to the OS package manager when the method names a package.
type BinaryLookup func(name string) (string, error)

// Config wires a Reconciler
type Config struct {
	Store     storage.Store
	Bus       *stream.Bus
	Dial      connector.DialFunc
	Artifacts *Artifacts
	Inventory *Inventory
	Usage     UsageRecorder
	Binaries  BinaryLookup
}

// Reconciler executes ActionPlans against remote servers, one plan per
// server at a time. It owns the rule status lifecycle around a plan and
// records each run's combined output as an artifact.
type Reconciler struct {
	store storage.Store
	bus   *stream.Bus
	dial  connector.DialFunc
	arts  *Artifacts
	inv   *Inventory
	usage UsageRecorder

	lookup BinaryLookup

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	logger zerolog.Logger
}

// New creates a new Reconciler
func New(cfg Config) *Reconciler {
	return &Reconciler{
		store:  cfg.Store,
		bus:    cfg.Bus,
		dial:   cfg.Dial,
		arts:   cfg.Artifacts,
		inv:    cfg.Inventory,
		usage:  cfg.Usage,
		lookup: cfg.Binaries,
		locks:  make(map[string]*sync.Mutex),
		logger: log.WithComponent("reconciler"),
	}
}

// Apply executes a plan under the owning server's lock. Rule-bound
// plans (those carrying a port id and method) get the full status
// lifecycle: starting before the first step, running or failed after
// the last, with the job ident recorded as the rule's runner. The
// returned error is the step failure, for the queue's retry policy.
func (r *Reconciler) Apply(ctx context.Context, jobID string, plan *translator.ActionPlan) error {
	unlock := r.lockServer(plan.ServerID)
	defer unlock()

	start := time.Now()
	defer func() {
		metrics.PlanDuration.Observe(time.Since(start).Seconds())
	}()

	server := plan.Server
	if server == nil {
		var err error
		server, err = r.store.GetServer(plan.ServerID)
		if err != nil {
			return fmt.Errorf("failed to load server %s: %v", plan.ServerID, err)
		}
	}

	rule, skip, err := r.beginRule(ctx, jobID, plan)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	remote, err := r.dial(ctx, server, jobID)
	if err != nil {
		r.failRule(ctx, jobID, rule, nil, 0, err)
		metrics.PlansExecuted.WithLabelValues("failed").Inc()
		return err
	}
	defer remote.Close()

	exec := &executor{
		remote: remote,
		server: server,
		lookup: r.lookup,
		logger: r.logger,
	}

	var planErr error
	for _, step := range plan.Steps {
		// Cancellation is honored at step boundaries only; a running
		// remote command completes.
		if err := ctx.Err(); err != nil {
			planErr = err
			break
		}
		if step.Kind == translator.StepEnsureInventory {
			if err := r.RefreshInventory(); err != nil {
				planErr = err
				break
			}
			continue
		}
		if err := exec.run(ctx, step); err != nil {
			planErr = err
			break
		}
	}

	if r.arts != nil {
		if err := r.arts.Write(server.ID, jobID, exec.captured()); err != nil {
			r.logger.Warn().Err(err).Str("server_id", server.ID).Msg("Failed to record artifacts")
		}
	}

	// Facts gathered along the way are kept even when a later step
	// failed; they reflect what actually happened on the host.
	if exec.dirty {
		if err := r.store.UpdateServer(server); err != nil {
			r.logger.Warn().Err(err).Str("server_id", server.ID).Msg("Failed to persist server facts")
		}
	}

	if planErr != nil {
		// A shutdown cancellation is not a host failure: the rule stays
		// in starting and the redelivered job re-runs the plan.
		if errors.Is(planErr, context.Canceled) {
			metrics.PlansExecuted.WithLabelValues("cancelled").Inc()
			return planErr
		}
		r.failRule(ctx, jobID, rule, remote, plan.PortNum, planErr)
		metrics.PlansExecuted.WithLabelValues("failed").Inc()
		return planErr
	}

	r.finishRule(ctx, jobID, plan, rule)

	if plan.TrafficMeter && r.usage != nil {
		if err := r.usage.Record(ctx, server.ID, exec.captured(), true); err != nil {
			r.logger.Warn().Err(err).Str("server_id", server.ID).Msg("Failed to roll forward usage counters")
		}
	}

	metrics.PlansExecuted.WithLabelValues("succeeded").Inc()
	return nil
}

// RefreshInventory regenerates the host-inventory file from the
// current server table.
func (r *Reconciler) RefreshInventory() error {
	if r.inv == nil {
		return nil
	}
	servers, err := r.store.ListServers()
	if err != nil {
		return fmt.Errorf("failed to list servers: %v", err)
	}
	return r.inv.Write(servers)
}

// beginRule loads the plan's rule and marks it starting. Skip is set
// when the rule vanished or was replaced while the job waited; the
// plan is stale and must not run.
func (r *Reconciler) beginRule(ctx context.Context, jobID string, plan *translator.ActionPlan) (*types.ForwardRule, bool, error) {
	if plan.PortID == "" || plan.Method == "" {
		return nil, false, nil
	}
	rule, err := r.store.GetRuleByPort(plan.PortID)
	if storage.IsNotFound(err) {
		r.logger.Info().Str("port_id", plan.PortID).Msg("Rule gone before reconcile, skipping plan")
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load rule for port %s: %v", plan.PortID, err)
	}
	if rule.Method != plan.Method {
		r.logger.Info().
			Str("port_id", plan.PortID).
			Str("planned", string(plan.Method)).
			Str("current", string(rule.Method)).
			Msg("Rule method changed under queued plan, skipping")
		return nil, true, nil
	}
	if err := r.store.SetRuleStatus(rule.ID, types.RuleStatusStarting); err != nil {
		r.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Failed to mark rule starting")
	}
	r.publish(ctx, jobID, fmt.Sprintf("Reconciling %s rule on port %d", rule.Method, plan.PortNum))
	return rule, false, nil
}

// finishRule persists the normalized config with the runner ident and
// promotes the rule to running.
func (r *Reconciler) finishRule(ctx context.Context, jobID string, plan *translator.ActionPlan, rule *types.ForwardRule) {
	if rule == nil {
		return
	}
	fresh, err := r.store.GetRule(rule.ID)
	if storage.IsNotFound(err) {
		return
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Failed to reload rule after plan")
		return
	}
	cfg := plan.Config
	cfg.Runner = jobID
	fresh.Config = cfg
	if err := r.store.UpdateRule(fresh); err != nil {
		r.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Failed to persist rule config")
	}
	if err := r.store.SetRuleStatus(rule.ID, types.RuleStatusRunning); err != nil {
		r.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Failed to mark rule running")
	}
	r.publish(ctx, jobID, fmt.Sprintf("Rule on port %d is running", plan.PortNum))
}

// failRule records a compact failure on the rule: the step error plus
// whatever the unit's journal says, stripped to bare messages.
func (r *Reconciler) failRule(ctx context.Context, jobID string, rule *types.ForwardRule, remote connector.Remote, portNum int, planErr error) {
	if rule == nil {
		return
	}
	summary := planErr.Error()
	if remote != nil && portNum > 0 {
		if tail := r.journalTail(ctx, remote, portNum); tail != "" {
			summary += "\n" + tail
		}
	}
	fresh, err := r.store.GetRule(rule.ID)
	if err == nil {
		fresh.Config.Error = summary
		fresh.Config.Runner = jobID
		if err := r.store.UpdateRule(fresh); err != nil {
			r.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Failed to persist rule error")
		}
		if err := r.store.SetRuleStatus(rule.ID, types.RuleStatusFailed); err != nil {
			r.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Failed to mark rule failed")
		}
	}
	r.publish(ctx, jobID, fmt.Sprintf("Rule failed: %s", firstLine(summary)))
}

func (r *Reconciler) journalTail(ctx context.Context, remote connector.Remote, portNum int) string {
	cmd := fmt.Sprintf("journalctl -u %s -n 10 --no-pager", translator.UnitName(portNum))
	out, err := remote.RunQuiet(ctx, cmd)
	if err != nil {
		return ""
	}
	return journalSummary(out)
}

// journalSummary strips journal prefixes, keeping only the logged
// messages.
func journalSummary(raw string) string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if m := journalLine.FindStringSubmatch(line); m != nil {
			lines = append(lines, m[1])
		}
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Lock takes the server's plan mutex. The traffic collector shares it
// so counter probes never interleave with a plan's filter edits.
func (r *Reconciler) Lock(serverID string) func() {
	return r.lockServer(serverID)
}

// lockServer serializes plans per server
func (r *Reconciler) lockServer(id string) func() {
	r.mu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	r.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (r *Reconciler) publish(ctx context.Context, jobID, line string) {
	if r.bus == nil || jobID == "" {
		return
	}
	if err := r.bus.Publish(ctx, jobID, line); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish status line")
	}
}
