package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aurora-admin/aurora/pkg/types"
)

type fakeFleet struct {
	servers []*types.Server
	rules   []*types.ForwardRule
	err     error
}

func (f *fakeFleet) ListServers() ([]*types.Server, error) { return f.servers, f.err }
func (f *fakeFleet) ListRules() ([]*types.ForwardRule, error) {
	return f.rules, f.err
}

type fakeDepths struct {
	ready, delayed, running int64
	err                     error
}

func (f *fakeDepths) Depths(ctx context.Context) (int64, int64, int64, error) {
	return f.ready, f.delayed, f.running, f.err
}

// TestCollectorFleetGauges tests one scan populating the fleet gauges
func TestCollectorFleetGauges(t *testing.T) {
	fleet := &fakeFleet{
		servers: []*types.Server{
			{ID: "s1", IsActive: true},
			{ID: "s2", IsActive: true},
			{ID: "s3", IsActive: false},
		},
		rules: []*types.ForwardRule{
			{ID: "r1", Status: types.RuleStatusRunning},
			{ID: "r2", Status: types.RuleStatusRunning},
			{ID: "r3", Status: types.RuleStatusFailed},
		},
	}
	c := NewCollector(fleet, &fakeDepths{}, time.Minute)
	c.collect()

	if got := testutil.ToFloat64(ServersTotal.WithLabelValues("true")); got != 2 {
		t.Errorf("active servers gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(ServersTotal.WithLabelValues("false")); got != 1 {
		t.Errorf("inactive servers gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(RulesTotal.WithLabelValues("running")); got != 2 {
		t.Errorf("running rules gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(RulesTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed rules gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(RulesTotal.WithLabelValues("starting")); got != 0 {
		t.Errorf("starting rules gauge = %v, want 0", got)
	}
}

// TestCollectorGaugesDropToZero tests that a later scan clears counts
func TestCollectorGaugesDropToZero(t *testing.T) {
	fleet := &fakeFleet{
		rules: []*types.ForwardRule{{ID: "r1", Status: types.RuleStatusFailed}},
	}
	c := NewCollector(fleet, &fakeDepths{}, time.Minute)
	c.collect()

	fleet.rules = nil
	c.collect()

	if got := testutil.ToFloat64(RulesTotal.WithLabelValues("failed")); got != 0 {
		t.Errorf("failed rules gauge = %v, want 0 after the rule is gone", got)
	}
}

// TestCollectorDepths tests queue depth gauges
func TestCollectorDepths(t *testing.T) {
	c := NewCollector(&fakeFleet{}, &fakeDepths{ready: 4, delayed: 2, running: 1}, time.Minute)
	c.collect()

	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("ready")); got != 4 {
		t.Errorf("ready depth gauge = %v, want 4", got)
	}
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("delayed")); got != 2 {
		t.Errorf("delayed depth gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("running")); got != 1 {
		t.Errorf("running depth gauge = %v, want 1", got)
	}
}

// TestCollectorScanError tests that a failing source does not panic
func TestCollectorScanError(t *testing.T) {
	c := NewCollector(
		&fakeFleet{err: errors.New("store closed")},
		&fakeDepths{err: errors.New("redis closed")},
		time.Minute,
	)
	c.collect()
}

// TestCollectorStartStop tests the loop lifecycle
func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(&fakeFleet{}, &fakeDepths{}, 10*time.Millisecond)
	c.Start()
	time.Sleep(30 * time.Millisecond)
	c.Stop()
}
