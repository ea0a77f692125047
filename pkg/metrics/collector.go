package metrics

import (
	"context"
	"time"

	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/types"
)

// FleetSource is the slice of the store the collector scans. Declared
// here so the store can depend on this package for its own counters.
type FleetSource interface {
	ListServers() ([]*types.Server, error)
	ListRules() ([]*types.ForwardRule, error)
}

// DepthSource reports how many jobs sit in each queue state
type DepthSource interface {
	Depths(ctx context.Context) (ready, delayed, running int64, err error)
}

// Collector refreshes the gauges that describe current state: fleet
// composition and queue depths. Event counters update at their call
// sites and need no scan.
type Collector struct {
	store    FleetSource
	queue    DepthSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector builds a collector over the given sources. A zero
// interval defaults to 15 seconds.
func NewCollector(store FleetSource, queue DepthSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		queue:    queue,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop. The first pass runs immediately so
// the gauges are populated before the first scrape.
func (c *Collector) Start() {
	go func() {
		c.collect()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop ends the refresh loop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectFleet()
	c.collectDepths()
}

func (c *Collector) collectFleet() {
	logger := log.WithComponent("metrics")

	servers, err := c.store.ListServers()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to scan servers for gauges")
		return
	}
	byActive := map[bool]int{true: 0, false: 0}
	for _, server := range servers {
		byActive[server.IsActive]++
	}
	ServersTotal.WithLabelValues("true").Set(float64(byActive[true]))
	ServersTotal.WithLabelValues("false").Set(float64(byActive[false]))

	rules, err := c.store.ListRules()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to scan rules for gauges")
		return
	}
	// Seed the closed status set so counts that drop to zero do not
	// linger at their last value.
	byStatus := map[types.RuleStatus]int{
		types.RuleStatusStarting: 0,
		types.RuleStatusRunning:  0,
		types.RuleStatusFailed:   0,
	}
	for _, rule := range rules {
		byStatus[rule.Status]++
	}
	for status, count := range byStatus {
		RulesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectDepths() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready, delayed, running, err := c.queue.Depths(ctx)
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("Failed to read queue depths")
		return
	}
	QueueDepth.WithLabelValues("ready").Set(float64(ready))
	QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	QueueDepth.WithLabelValues("running").Set(float64(running))
}
