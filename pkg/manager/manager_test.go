package manager

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-admin/aurora/pkg/config"
	"github.com/aurora-admin/aurora/pkg/types"
)

func testConfig(t *testing.T, mr *miniredis.Miniredis) *config.Config {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return &config.Config{
		DataDir:                  t.TempDir(),
		FileStoragePath:          t.TempDir(),
		ArtifactsDir:             t.TempDir(),
		RedisHost:                mr.Host(),
		RedisPort:                port,
		TrafficIntervalSeconds:   600,
		DDNSIntervalSeconds:      120,
		SSHConnectionTimeout:     1,
		HostStatsIntervalSeconds: 30,
		TaskOutputStorageDays:    1,
		PubsubPrefix:             "test:pubsub",
		PubsubStopword:           "STOP",
		PubsubTimeoutSeconds:     1,
		PubsubSleepSeconds:       0.001,
		ListenAddr:               "127.0.0.1:0",
		OpsAddr:                  "127.0.0.1:0",
		WorkerCount:              1,
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := New(context.Background(), testConfig(t, mr), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.store.Close()
		m.rdb.Close()
	})
	return m
}

func job(t *testing.T, name string, payload interface{}) *types.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &types.Job{ID: "job-1", Name: name, Payload: raw}
}

func TestNewWiresComponents(t *testing.T) {
	m := newTestManager(t, Options{API: true, Scheduler: true, Version: "test"})

	assert.NotNil(t, m.Store())
	assert.NotNil(t, m.Queue())
	assert.NotNil(t, m.api)
	assert.NotNil(t, m.sched)
	assert.NotNil(t, m.pool)
}

func TestWorkerModeSkipsAPIAndScheduler(t *testing.T) {
	m := newTestManager(t, Options{})

	assert.Nil(t, m.api)
	assert.Nil(t, m.sched)
	assert.NotNil(t, m.pool)
}

func TestNewFailsWhenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	mr.Close()

	_, err := New(context.Background(), cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach redis")
}

func TestStaleRuleJobSucceedsWithoutWork(t *testing.T) {
	m := newTestManager(t, Options{})
	j := job(t, types.JobRuleReconcile, types.RulePayload{ServerID: "gone", PortID: "gone"})

	assert.NoError(t, m.handleRuleReconcile(context.Background(), j))
}

func TestStalePortCleanSucceedsWithoutWork(t *testing.T) {
	m := newTestManager(t, Options{})
	j := job(t, types.JobPortClean, types.PortCleanPayload{ServerID: "gone", PortID: "gone", PortNum: 10000})

	assert.NoError(t, m.handlePortClean(context.Background(), j))
}

func TestServerCleanRejectsMissingSnapshot(t *testing.T) {
	m := newTestManager(t, Options{})
	j := job(t, types.JobServerClean, types.ServerCleanPayload{Ports: []int{10000}})

	err := m.handleServerClean(context.Background(), j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing the row snapshot")
}

func TestRuleInputBuildsSiblingViews(t *testing.T) {
	m := newTestManager(t, Options{})

	server := &types.Server{ID: "srv-1", Name: "alpha", Host: "10.0.0.1", Port: 22, User: "root", IsActive: true}
	require.NoError(t, m.store.CreateServer(server))

	subject := &types.Port{ID: "port-1", ServerID: server.ID, Num: 10000, IsActive: true}
	sibling := &types.Port{ID: "port-2", ServerID: server.ID, Num: 10001, IsActive: true}
	require.NoError(t, m.store.CreatePort(subject))
	require.NoError(t, m.store.CreatePort(sibling))

	require.NoError(t, m.store.CreateRule(&types.ForwardRule{
		ID: "rule-1", PortID: subject.ID, Method: types.MethodIptables,
		Config: types.RuleConfig{Type: "ALL", RemoteAddress: "example.com", RemotePort: 443},
	}))
	require.NoError(t, m.store.CreateRule(&types.ForwardRule{
		ID: "rule-2", PortID: sibling.ID, Method: types.MethodCaddy,
		Config: types.RuleConfig{},
	}))

	in, ok, err := m.ruleInput(job(t, types.JobRuleReconcile, types.RulePayload{ServerID: server.ID, PortID: subject.ID}))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, subject.ID, in.Port.ID)
	assert.Equal(t, "rule-1", in.Rule.ID)
	require.Len(t, in.Siblings, 1)
	assert.Equal(t, sibling.ID, in.Siblings[0].Port.ID)
	require.NotNil(t, in.Siblings[0].Rule)
	assert.Equal(t, "rule-2", in.Siblings[0].Rule.ID)
}

func TestRuleInputReportsStaleWhenRuleGone(t *testing.T) {
	m := newTestManager(t, Options{})

	server := &types.Server{ID: "srv-1", Name: "alpha", Host: "10.0.0.1", Port: 22, User: "root"}
	require.NoError(t, m.store.CreateServer(server))
	require.NoError(t, m.store.CreatePort(&types.Port{ID: "port-1", ServerID: server.ID, Num: 10000}))

	in, ok, err := m.ruleInput(job(t, types.JobRuleReconcile, types.RulePayload{ServerID: server.ID, PortID: "port-1"}))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, in)
}

func TestBinaryLookupPicksNewestBlob(t *testing.T) {
	m := newTestManager(t, Options{})

	old := &types.File{ID: "f-1", Name: "gost", Path: "2026/01/01/f-1-gost", CreatedAt: time.Now().Add(-time.Hour)}
	newer := &types.File{ID: "f-2", Name: "gost", Path: "2026/02/01/f-2-gost", CreatedAt: time.Now()}
	other := &types.File{ID: "f-3", Name: "v2ray", Path: "2026/02/01/f-3-v2ray", CreatedAt: time.Now()}
	for _, f := range []*types.File{old, newer, other} {
		require.NoError(t, m.store.CreateFile(f))
	}

	lookup := binaryLookup(m.store, m.files)

	path, err := lookup("gost")
	require.NoError(t, err)
	assert.Equal(t, m.files.Path(newer), path)

	_, err = lookup("brook")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no uploaded blob named brook")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := New(context.Background(), testConfig(t, mr), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
