package traffic

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
	"github.com/aurora-admin/aurora/pkg/queue"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/types"
)

// Enforcer evaluates quota and expiry policy against collected usage
// and turns trips into actions: persisted rate limits plus a shaping
// job, or rule deletion plus a cleanup job.
type Enforcer struct {
	store  storage.Store
	queue  *queue.Queue
	logger zerolog.Logger

	// now is swappable for deadline tests
	now func() time.Time
}

// NewEnforcer creates a new Enforcer
func NewEnforcer(store storage.Store, q *queue.Queue) *Enforcer {
	return &Enforcer{
		store:  store,
		queue:  q,
		logger: log.WithComponent("enforcer"),
		now:    time.Now,
	}
}

// Evaluate returns the action a policy config demands for the given
// byte total. Deadline beats quota; both default to no action.
func (e *Enforcer) Evaluate(cfg types.PortConfig, usage int64) types.LimitAction {
	if cfg.ValidUntil > 0 && e.now().UTC().UnixMilli() >= cfg.ValidUntil {
		return cfg.DueAction
	}
	if cfg.Quota > 0 && usage >= cfg.Quota {
		return cfg.QuotaAction
	}
	return types.ActionNone
}

// SweepServer enforces policy across one server: every port against
// its own config, then every server-user's aggregated totals against
// the server-level config. A tripped server-user action fans out to
// all ports that user is permitted on.
func (e *Enforcer) SweepServer(ctx context.Context, serverID string) error {
	ports, err := e.store.ListPorts(serverID)
	if err != nil {
		return fmt.Errorf("failed to list ports for server %s: %v", serverID, err)
	}
	for _, port := range ports {
		usage, err := e.store.GetPortUsage(port.ID)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		action := e.Evaluate(port.Config, usage.Download+usage.Upload)
		if err := e.ApplyAction(ctx, port, action); err != nil {
			return err
		}
	}

	serverUsers, err := e.store.ListServerUsers(serverID)
	if err != nil {
		return fmt.Errorf("failed to list server users: %v", err)
	}
	for _, su := range serverUsers {
		action := e.Evaluate(su.Config, su.Download+su.Upload)
		if action == types.ActionNone {
			continue
		}
		e.logger.Info().
			Str("server_id", serverID).
			Str("user_id", su.UserID).
			Int("action", int(action)).
			Msg("Server user reached limit")
		userPorts, err := e.store.ListUserPorts(serverID, su.UserID)
		if err != nil {
			return err
		}
		for _, port := range userPorts {
			if err := e.ApplyAction(ctx, port, action); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExpireScan walks every active port looking for passed deadlines.
// Quota evaluation stays with the collection pass, which has fresh
// counters; this scan only fires due actions.
func (e *Enforcer) ExpireScan(ctx context.Context) error {
	ports, err := e.store.ListActivePorts()
	if err != nil {
		return fmt.Errorf("failed to list active ports: %v", err)
	}
	for _, port := range ports {
		if port.Config.ValidUntil == 0 || e.now().UTC().UnixMilli() < port.Config.ValidUntil {
			continue
		}
		if err := e.ApplyAction(ctx, port, port.Config.DueAction); err != nil {
			return err
		}
	}
	return nil
}

// ApplyAction realizes one enforcement outcome on a port. Speed limits
// are idempotent: a port already carrying exactly the target rates is
// left alone, so repeated collections with tripped quotas do not stack
// shaping jobs.
func (e *Enforcer) ApplyAction(ctx context.Context, port *types.Port, action types.LimitAction) error {
	switch {
	case action == types.ActionNone:
		return nil

	case action == types.ActionDeleteRule:
		rule, err := e.store.GetRuleByPort(port.ID)
		if storage.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.store.DeleteRule(rule.ID); err != nil {
			return fmt.Errorf("failed to delete rule %s: %v", rule.ID, err)
		}
		e.logger.Info().
			Str("port_id", port.ID).
			Int("port", port.Num).
			Msg("Limit tripped, rule deleted")
		metrics.LimitActions.WithLabelValues("delete_rule").Inc()
		_, err = e.queue.Enqueue(ctx, types.JobPortClean, types.PortCleanPayload{
			ServerID: port.ServerID,
			PortID:   port.ID,
			PortNum:  port.Num,
		}, queue.WithPriority(queue.PriorityCleanup))
		return err

	case action.SpeedLimitKbit() > 0:
		kbit := action.SpeedLimitKbit()
		if port.Config.EgressLimit == kbit && port.Config.IngressLimit == kbit {
			return nil
		}
		port.Config.EgressLimit = kbit
		port.Config.IngressLimit = kbit
		if err := e.store.UpdatePort(port); err != nil {
			return fmt.Errorf("failed to persist port limits: %v", err)
		}
		e.logger.Info().
			Str("port_id", port.ID).
			Int("port", port.Num).
			Int64("kbit", kbit).
			Msg("Limit tripped, applying speed limit")
		metrics.LimitActions.WithLabelValues("speed_limit").Inc()
		_, err := e.queue.Enqueue(ctx, types.JobTrafficShape, types.ShapePayload{
			ServerID: port.ServerID,
			PortID:   port.ID,
		}, queue.WithPriority(queue.PriorityReconcile))
		return err

	default:
		e.logger.Warn().
			Str("port_id", port.ID).
			Int("action", int(action)).
			Msg("Unknown limit action, ignoring")
		return nil
	}
}
