package ddns

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-admin/aurora/pkg/dns"
	"github.com/aurora-admin/aurora/pkg/queue"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/stream"
	"github.com/aurora-admin/aurora/pkg/types"
)

// newTestWatcher wires a watcher over an embedded store, a miniredis
// queue and a stubbed DoH provider.
func newTestWatcher(t *testing.T, answers map[string]string) (*Watcher, storage.Store, *queue.Queue) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	bus := stream.NewBus(rdb, stream.Config{StopDelay: time.Millisecond})
	q := queue.New(rdb, bus, queue.Config{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, ok := answers[r.URL.Query().Get("name")]
		if !ok {
			fmt.Fprint(w, `{"Answer":[]}`)
			return
		}
		fmt.Fprintf(w, `{"Answer":[{"data":%q,"type":1}]}`, ip)
	}))
	t.Cleanup(srv.Close)
	resolver := dns.NewClient(dns.Config{DoHURLs: []string{srv.URL}, Timeout: time.Second})

	return New(store, q, resolver), store, q
}

func seedRule(t *testing.T, store storage.Store, method types.Method, cfg types.RuleConfig) *types.ForwardRule {
	t.Helper()
	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1", Host: "192.0.2.10", Port: 22, User: "root", IsActive: true}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 10001, IsActive: true}))
	rule := &types.ForwardRule{ID: "rule-1", PortID: "port-1", Method: method, Config: cfg, Status: types.RuleStatusRunning}
	require.NoError(t, store.CreateRule(rule))
	return rule
}

func TestCheckRewritesMovedNATTarget(t *testing.T) {
	w, store, q := newTestWatcher(t, map[string]string{
		"dyn.example.com": "203.0.113.42",
	})
	seedRule(t, store, types.MethodIptables, types.RuleConfig{
		RemoteAddress: "dyn.example.com",
		RemotePort:    8080,
		RemoteIP:      "198.51.100.7",
	})

	require.NoError(t, w.Check(context.Background()))

	fresh, err := store.GetRule("rule-1")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.42", fresh.Config.RemoteIP)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.JobRuleRewrite, job.Name)

	var payload types.RulePayload
	require.NoError(t, queue.DecodePayload(job, &payload))
	assert.Equal(t, "srv-1", payload.ServerID)
	assert.Equal(t, "port-1", payload.PortID)
}

func TestCheckReconcilesMovedRelayTarget(t *testing.T) {
	w, store, q := newTestWatcher(t, map[string]string{
		"dyn.example.com": "203.0.113.42",
	})
	seedRule(t, store, types.MethodBrook, types.RuleConfig{
		Command:       "relay",
		RemoteAddress: "dyn.example.com",
		RemotePort:    8080,
		RemoteIP:      "198.51.100.7",
	})

	require.NoError(t, w.Check(context.Background()))

	fresh, err := store.GetRule("rule-1")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.42", fresh.Config.RemoteIP)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.JobRuleReconcile, job.Name)
}

func TestCheckLeavesSettledRulesAlone(t *testing.T) {
	tests := []struct {
		name string
		cfg  types.RuleConfig
	}{
		{
			// Answer matches the cached address.
			name: "unchanged answer",
			cfg: types.RuleConfig{
				RemoteAddress: "dyn.example.com",
				RemotePort:    8080,
				RemoteIP:      "203.0.113.42",
			},
		},
		{
			// Literal targets never re-resolve.
			name: "ip literal",
			cfg: types.RuleConfig{
				RemoteAddress: "198.51.100.7",
				RemotePort:    8080,
				RemoteIP:      "198.51.100.7",
			},
		},
		{
			// Not reconciled yet; nothing cached to compare against.
			name: "no cached ip",
			cfg: types.RuleConfig{
				RemoteAddress: "dyn.example.com",
				RemotePort:    8080,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, store, q := newTestWatcher(t, map[string]string{
				"dyn.example.com": "203.0.113.42",
			})
			seedRule(t, store, types.MethodIptables, tt.cfg)

			require.NoError(t, w.Check(context.Background()))

			fresh, err := store.GetRule("rule-1")
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.RemoteIP, fresh.Config.RemoteIP)

			job, err := q.Dequeue(context.Background())
			require.NoError(t, err)
			assert.Nil(t, job)
		})
	}
}

func TestCheckIgnoresUnfollowedMethods(t *testing.T) {
	w, store, q := newTestWatcher(t, map[string]string{
		"dyn.example.com": "203.0.113.42",
	})
	// ehco re-resolves on every reconcile; the watcher must not touch it.
	seedRule(t, store, types.MethodEhco, types.RuleConfig{
		RemoteAddress: "dyn.example.com",
		RemotePort:    8080,
		RemoteIP:      "198.51.100.7",
	})

	require.NoError(t, w.Check(context.Background()))

	fresh, err := store.GetRule("rule-1")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", fresh.Config.RemoteIP)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}
