package traffic

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/connector"
	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
	"github.com/aurora-admin/aurora/pkg/queue"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/translator"
	"github.com/aurora-admin/aurora/pkg/types"
)

// Collector drives the scheduled usage pass: a fanout job enqueues one
// probe per active server; each probe reads the host's counters in one
// helper run, records them and sweeps enforcement.
type Collector struct {
	store    storage.Store
	queue    *queue.Queue
	dial     connector.DialFunc
	recorder *Recorder
	enforcer *Enforcer

	// lock serializes helper access with the reconciler's plans. Nil
	// skips locking.
	lock func(serverID string) func()

	logger zerolog.Logger
}

// Config wires a Collector
type Config struct {
	Store    storage.Store
	Queue    *queue.Queue
	Dial     connector.DialFunc
	Recorder *Recorder
	Enforcer *Enforcer
	Lock     func(serverID string) func()
}

// NewCollector creates a new Collector
func NewCollector(cfg Config) *Collector {
	return &Collector{
		store:    cfg.Store,
		queue:    cfg.Queue,
		dial:     cfg.Dial,
		recorder: cfg.Recorder,
		enforcer: cfg.Enforcer,
		lock:     cfg.Lock,
		logger:   log.WithComponent("collector"),
	}
}

// Fanout enqueues one per-server probe for every active server
func (c *Collector) Fanout(ctx context.Context) error {
	servers, err := c.store.ListServers()
	if err != nil {
		return fmt.Errorf("failed to list servers: %v", err)
	}
	for _, server := range servers {
		if !server.IsActive {
			continue
		}
		_, err := c.queue.Enqueue(ctx, types.JobTrafficServer,
			types.ServerPayload{ServerID: server.ID},
			queue.WithPriority(queue.PriorityServer))
		if err != nil {
			return fmt.Errorf("failed to enqueue probe for server %s: %v", server.ID, err)
		}
	}
	return nil
}

// CollectServer reads one server's counters and applies the usage and
// enforcement passes. The server lock is held for the remote read so
// the helper is never raced by a concurrent plan.
func (c *Collector) CollectServer(ctx context.Context, jobID, serverID string) error {
	server, err := c.store.GetServer(serverID)
	if storage.IsNotFound(err) {
		c.logger.Info().Str("server_id", serverID).Msg("Server gone before collection, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load server %s: %v", serverID, err)
	}
	if !server.IsActive {
		return nil
	}

	output, err := c.probe(ctx, server, jobID)
	if err != nil {
		return err
	}
	metrics.TrafficCollections.Inc()

	if err := c.recorder.Record(ctx, serverID, output, false); err != nil {
		return err
	}
	return c.enforcer.SweepServer(ctx, serverID)
}

func (c *Collector) probe(ctx context.Context, server *types.Server, jobID string) (string, error) {
	if c.lock != nil {
		unlock := c.lock(server.ID)
		defer unlock()
	}

	remote, err := c.dial(ctx, server, jobID)
	if err != nil {
		return "", err
	}
	defer remote.Close()

	output, err := remote.RunQuiet(ctx, translator.HelperPath+" list_all")
	if err != nil {
		return "", fmt.Errorf("failed to read counters on %s: %v", server.Host, err)
	}
	return output, nil
}
