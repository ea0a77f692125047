package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-admin/aurora/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestServerCRUD(t *testing.T) {
	store := newTestStore(t)

	server := &types.Server{ID: "srv-1", Name: "edge-1", Host: "192.0.2.10", Port: 22, User: "root", IsActive: true}
	require.NoError(t, store.CreateServer(server))

	got, err := store.GetServer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, "edge-1", got.Name)

	got.Name = "edge-renamed"
	require.NoError(t, store.UpdateServer(got))
	got, err = store.GetServer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, "edge-renamed", got.Name)
	assert.False(t, got.UpdatedAt.IsZero())

	servers, err := store.ListServers()
	require.NoError(t, err)
	assert.Len(t, servers, 1)

	require.NoError(t, store.DeleteServer("srv-1"))
	_, err = store.GetServer("srv-1")
	assert.True(t, IsNotFound(err))
}

func TestServerEndpointConflict(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1", Host: "192.0.2.10", Port: 22, IsActive: true}))

	err := store.CreateServer(&types.Server{ID: "srv-2", Host: "192.0.2.10", Port: 22, IsActive: true})
	assert.True(t, IsConflict(err))

	// An inactive twin is allowed; only active endpoints must be unique.
	assert.NoError(t, store.CreateServer(&types.Server{ID: "srv-3", Host: "192.0.2.10", Port: 22}))
	// Different port is fine.
	assert.NoError(t, store.CreateServer(&types.Server{ID: "srv-4", Host: "192.0.2.10", Port: 2222, IsActive: true}))
	// Re-creating the same id is an upsert, not a conflict.
	assert.NoError(t, store.CreateServer(&types.Server{ID: "srv-1", Host: "192.0.2.10", Port: 22, IsActive: true}))
}

func TestPortNumConflict(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 10001, IsActive: true}))

	err := store.CreatePort(&types.Port{ID: "port-2", ServerID: "srv-1", Num: 10001, IsActive: true})
	assert.True(t, IsConflict(err))

	// Same num on another server is fine.
	assert.NoError(t, store.CreatePort(&types.Port{ID: "port-3", ServerID: "srv-2", Num: 10001, IsActive: true}))
}

func TestGetPortByNum(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 10001, IsActive: true}))

	port, err := store.GetPortByNum("srv-1", 10001)
	require.NoError(t, err)
	assert.Equal(t, "port-1", port.ID)

	_, err = store.GetPortByNum("srv-1", 10002)
	assert.True(t, IsNotFound(err))
}

func TestListActivePorts(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 10001, IsActive: true}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-2", ServerID: "srv-1", Num: 10002}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-3", ServerID: "srv-2", Num: 10001, IsActive: true}))

	active, err := store.ListActivePorts()
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, port := range active {
		assert.True(t, port.IsActive)
	}
}

func TestOneRulePerPort(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateRule(&types.ForwardRule{ID: "rule-1", PortID: "port-1", Method: types.MethodIptables}))

	err := store.CreateRule(&types.ForwardRule{ID: "rule-2", PortID: "port-1", Method: types.MethodSocat})
	assert.True(t, IsConflict(err))

	// Replacing the same rule id is allowed.
	assert.NoError(t, store.CreateRule(&types.ForwardRule{ID: "rule-1", PortID: "port-1", Method: types.MethodSocat}))

	got, err := store.GetRuleByPort("port-1")
	require.NoError(t, err)
	assert.Equal(t, types.MethodSocat, got.Method)
}

func TestSetRuleStatusGuard(t *testing.T) {
	store := newTestStore(t)

	rule := &types.ForwardRule{ID: "rule-1", PortID: "port-1", Method: types.MethodIptables, Status: types.RuleStatusStarting}
	require.NoError(t, store.CreateRule(rule))

	require.NoError(t, store.SetRuleStatus("rule-1", types.RuleStatusRunning))

	// A late "starting" must not regress a running rule.
	require.NoError(t, store.SetRuleStatus("rule-1", types.RuleStatusStarting))
	got, err := store.GetRule("rule-1")
	require.NoError(t, err)
	assert.Equal(t, types.RuleStatusRunning, got.Status)

	// Running to failed is a legal transition.
	require.NoError(t, store.SetRuleStatus("rule-1", types.RuleStatusFailed))
	got, err = store.GetRule("rule-1")
	require.NoError(t, err)
	assert.Equal(t, types.RuleStatusFailed, got.Status)

	// And failed back to starting begins the next attempt.
	require.NoError(t, store.SetRuleStatus("rule-1", types.RuleStatusStarting))
	got, err = store.GetRule("rule-1")
	require.NoError(t, err)
	assert.Equal(t, types.RuleStatusStarting, got.Status)

	err = store.SetRuleStatus("rule-missing", types.RuleStatusRunning)
	assert.True(t, IsNotFound(err))
}

func TestListRulesByMethod(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateRule(&types.ForwardRule{ID: "rule-1", PortID: "port-1", Method: types.MethodIptables}))
	require.NoError(t, store.CreateRule(&types.ForwardRule{ID: "rule-2", PortID: "port-2", Method: types.MethodBrook}))
	require.NoError(t, store.CreateRule(&types.ForwardRule{ID: "rule-3", PortID: "port-3", Method: types.MethodIptables}))

	rules, err := store.ListRulesByMethod(types.MethodIptables)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	rules, err = store.ListRulesByMethod(types.MethodCaddy)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestUpdatePortUsageZeroInit(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdatePortUsage("port-1", func(u *types.PortUsage) error {
		assert.Equal(t, "port-1", u.PortID)
		assert.Zero(t, u.Download)
		assert.Zero(t, u.Upload)
		u.Download = 1024
		u.Upload = 512
		return nil
	})
	require.NoError(t, err)

	usage, err := store.GetPortUsage("port-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), usage.Download)
	assert.Equal(t, int64(512), usage.Upload)
	assert.False(t, usage.UpdatedAt.IsZero())

	// A later pass sees the persisted values.
	err = store.UpdatePortUsage("port-1", func(u *types.PortUsage) error {
		u.Download += 1024
		return nil
	})
	require.NoError(t, err)

	usage, err = store.GetPortUsage("port-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2048), usage.Download)

	require.NoError(t, store.DeletePortUsage("port-1"))
	_, err = store.GetPortUsage("port-1")
	assert.True(t, IsNotFound(err))
}

func TestUserEmailConflict(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateUser(&types.User{ID: "user-1", Email: "ops@example.com"}))

	err := store.CreateUser(&types.User{ID: "user-2", Email: "ops@example.com"})
	assert.True(t, IsConflict(err))

	got, err := store.GetUserByEmail("ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.ID)
}

func TestUserPortGrants(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 10001, IsActive: true}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-2", ServerID: "srv-1", Num: 10002, IsActive: true}))
	require.NoError(t, store.PutPortUser(&types.PortUser{PortID: "port-1", UserID: "user-1"}))
	require.NoError(t, store.PutServerUser(&types.ServerUser{ServerID: "srv-1", UserID: "user-1"}))

	ports, err := store.ListUserPorts("srv-1", "user-1")
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "port-1", ports[0].ID)

	ports, err = store.ListUserPorts("srv-1", "user-2")
	require.NoError(t, err)
	assert.Empty(t, ports)

	su, err := store.GetServerUser("srv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", su.UserID)

	grants, err := store.ListServerUsers("srv-1")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}
