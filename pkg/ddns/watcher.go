package ddns

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/dns"
	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/queue"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/types"
)

// followedMethods cache a resolved remote_ip that goes stale when the
// target sits behind dynamic DNS. Every other method re-resolves on
// its own, or never pins an address at all.
var followedMethods = []types.Method{
	types.MethodIptables,
	types.MethodBrook,
	types.MethodTinyPortMapper,
}

// Watcher periodically re-resolves the hostnames behind address-pinned
// rules. When a target moves it persists the new address and enqueues
// the repair: a filter rewrite for NAT rules, a full reconcile for the
// relays whose generated config embeds the address.
type Watcher struct {
	store    storage.Store
	queue    *queue.Queue
	resolver *dns.Client
	logger   zerolog.Logger
}

// New creates a new Watcher
func New(store storage.Store, q *queue.Queue, resolver *dns.Client) *Watcher {
	return &Watcher{
		store:    store,
		queue:    q,
		resolver: resolver,
		logger:   log.WithComponent("ddns"),
	}
}

// Check runs one pass over every DNS-following rule. Per-rule failures
// are logged and skipped; the next cadence retries them.
func (w *Watcher) Check(ctx context.Context) error {
	for _, method := range followedMethods {
		rules, err := w.store.ListRulesByMethod(method)
		if err != nil {
			return fmt.Errorf("failed to list %s rules: %v", method, err)
		}
		for _, rule := range rules {
			if err := w.checkRule(ctx, rule); err != nil {
				w.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("DDNS check failed for rule")
			}
		}
	}
	return nil
}

// checkRule re-resolves one rule's remote address and repairs the rule
// when the answer moved away from the cached remote_ip.
func (w *Watcher) checkRule(ctx context.Context, rule *types.ForwardRule) error {
	cfg := rule.Config
	if cfg.RemoteAddress == "" || cfg.RemoteIP == "" {
		return nil
	}
	// Literals have nothing to follow.
	if net.ParseIP(cfg.RemoteAddress) != nil {
		return nil
	}

	resolved := w.resolver.Resolve(ctx, cfg.RemoteAddress)
	// Resolution failure echoes the name back; keep forwarding to the
	// last known address.
	if resolved == "" || resolved == cfg.RemoteAddress {
		return nil
	}
	if resolved == cfg.RemoteIP {
		return nil
	}

	port, err := w.store.GetPort(rule.PortID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load port %s: %v", rule.PortID, err)
	}

	w.logger.Info().
		Str("rule_id", rule.ID).
		Str("method", string(rule.Method)).
		Str("address", cfg.RemoteAddress).
		Str("old_ip", cfg.RemoteIP).
		Str("new_ip", resolved).
		Int("port_num", port.Num).
		Msg("Dynamic DNS target moved")

	fresh, err := w.store.GetRule(rule.ID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reload rule %s: %v", rule.ID, err)
	}
	fresh.Config.RemoteIP = resolved
	if err := w.store.UpdateRule(fresh); err != nil {
		return fmt.Errorf("failed to persist new remote ip: %v", err)
	}

	// NAT rules need only their filter entries reinstalled; the relay
	// methods regenerate config and unit, so they take the full path.
	name := types.JobRuleReconcile
	if rule.Method == types.MethodIptables {
		name = types.JobRuleRewrite
	}
	payload := types.RulePayload{ServerID: port.ServerID, PortID: rule.PortID}
	if _, err := w.queue.Enqueue(ctx, name, payload); err != nil {
		return fmt.Errorf("failed to enqueue %s: %v", name, err)
	}
	return nil
}
