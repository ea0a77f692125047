package traffic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/types"
)

// listAllOutput is a trimmed `iptables -nvx -L` dump: a forwarded port
// (tags carry the target), a locally served port (bare tags) and the
// usual header noise.
const listAllOutput = `Chain INPUT (policy ACCEPT 5 packets, 1010 bytes)
    pkts      bytes target     prot opt in     out     source               destination
      10      600            tcp  --  *      *       0.0.0.0/0            0.0.0.0/0            tcp dpt:10002 /* UPLOAD 10002-> */
       5      300            udp  --  *      *       0.0.0.0/0            0.0.0.0/0            udp dpt:10002 /* UPLOAD-UDP 10002-> */

Chain FORWARD (policy ACCEPT 0 packets, 0 bytes)
    pkts      bytes target     prot opt in     out     source               destination
     120      600            tcp  --  *      *       0.0.0.0/0            203.0.113.42         tcp dpt:443 /* UPLOAD 10001->203.0.113.42:443 */
      80      500            tcp  --  *      *       203.0.113.42         0.0.0.0/0            tcp spt:443 /* DOWNLOAD 10001->203.0.113.42:443 */

Chain OUTPUT (policy ACCEPT 3 packets, 222 bytes)
    pkts      bytes target     prot opt in     out     source               destination
       7      900            tcp  --  *      *       0.0.0.0/0            0.0.0.0/0            tcp spt:10002 /* DOWNLOAD 10002-> */
`

func TestParseCounters(t *testing.T) {
	samples := ParseCounters(listAllOutput)
	require.Len(t, samples, 2)

	// Forwarded port: tags carry the NAT target.
	assert.Equal(t, int64(600), samples[10001].Upload)
	assert.Equal(t, int64(500), samples[10001].Download)

	// Local port: TCP and UDP variants sum into one direction.
	assert.Equal(t, int64(900), samples[10002].Upload)
	assert.Equal(t, int64(900), samples[10002].Download)
}

func TestParseCountersSkipsNoise(t *testing.T) {
	assert.Empty(t, ParseCounters(""))
	assert.Empty(t, ParseCounters("Chain INPUT (policy ACCEPT 5 packets, 1010 bytes)"))
	// A tag on a header line has no numeric byte field.
	assert.Empty(t, ParseCounters("    pkts      bytes /* UPLOAD 10001-> */"))
}

func newTestRecorder(t *testing.T) (*Recorder, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRecorder(store), store
}

func seedPort(t *testing.T, store storage.Store, id string, num int) *types.Port {
	t.Helper()
	port := &types.Port{ID: id, ServerID: "srv-1", Num: num, IsActive: true}
	require.NoError(t, store.CreatePort(port))
	return port
}

func TestApplyFreshPort(t *testing.T) {
	recorder, store := newTestRecorder(t)
	port := seedPort(t, store, "port-1", 10001)

	require.NoError(t, recorder.Apply(context.Background(), port, Sample{Download: 500, Upload: 300}, false))

	usage, err := store.GetPortUsage("port-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), usage.Download)
	assert.Equal(t, int64(300), usage.Upload)
	assert.Equal(t, int64(500), usage.DownloadCheckpoint)
	assert.Equal(t, int64(300), usage.UploadCheckpoint)
	// Plain collection never rolls the monotonic base forward.
	assert.Zero(t, usage.DownloadAccumulate)
	assert.Zero(t, usage.UploadAccumulate)
}

// Host counter reset between collections: the first post-reset pass
// drops its delta, the following accumulate pass rolls the base
// forward from the refreshed checkpoint.
func TestApplyCounterReset(t *testing.T) {
	recorder, store := newTestRecorder(t)
	port := seedPort(t, store, "port-1", 10001)

	require.NoError(t, store.UpdatePortUsage("port-1", func(u *types.PortUsage) error {
		u.Download = 800
		u.DownloadAccumulate = 800
		u.DownloadCheckpoint = 800
		return nil
	}))

	// Counters were reset remotely; observed went backwards.
	require.NoError(t, recorder.Apply(context.Background(), port, Sample{Download: 50}, false))

	usage, err := store.GetPortUsage("port-1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), usage.Download, "delta after reset must be dropped")
	assert.Equal(t, int64(800), usage.DownloadAccumulate)
	assert.Equal(t, int64(50), usage.DownloadCheckpoint)

	// The reconcile hook sees a stable checkpoint and rolls forward.
	require.NoError(t, recorder.Apply(context.Background(), port, Sample{Download: 50}, true))

	usage, err = store.GetPortUsage("port-1")
	require.NoError(t, err)
	assert.Equal(t, int64(850), usage.Download)
	assert.Equal(t, int64(850), usage.DownloadAccumulate)
	assert.Equal(t, int64(50), usage.DownloadCheckpoint)
}

// Accumulates never decrease across ordinary collections, reconcile
// hooks and remote resets.
func TestAccumulateMonotonic(t *testing.T) {
	recorder, store := newTestRecorder(t)
	port := seedPort(t, store, "port-1", 10001)
	ctx := context.Background()

	passes := []struct {
		observed int64
		roll     bool
	}{
		{100, false},
		{250, false},
		{250, true}, // rule change rolls forward at 250
		{10, false}, // reset detected
		{10, true},  // next hook rolls forward again
		{90, false},
	}

	prev := int64(0)
	for _, pass := range passes {
		require.NoError(t, recorder.Apply(ctx, port, Sample{Download: pass.observed}, pass.roll))
		usage, err := store.GetPortUsage("port-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, usage.DownloadAccumulate, prev)
		prev = usage.DownloadAccumulate
	}

	usage, err := store.GetPortUsage("port-1")
	require.NoError(t, err)
	assert.Equal(t, int64(260), usage.DownloadAccumulate)
	assert.Equal(t, int64(350), usage.Download)
}

func TestRecordSkipsUnmanagedPorts(t *testing.T) {
	recorder, store := newTestRecorder(t)
	seedPort(t, store, "port-1", 10001)

	// 10002 has counters on the host but no row; only 10001 lands.
	require.NoError(t, recorder.Record(context.Background(), "srv-1", listAllOutput, false))

	usage, err := store.GetPortUsage("port-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), usage.Download)
	assert.Equal(t, int64(600), usage.Upload)
}

func TestAggregateServerUserTotals(t *testing.T) {
	recorder, store := newTestRecorder(t)
	ctx := context.Background()

	portA := seedPort(t, store, "port-a", 10001)
	portB := seedPort(t, store, "port-b", 10002)
	require.NoError(t, store.PutServerUser(&types.ServerUser{ServerID: "srv-1", UserID: "user-1"}))
	require.NoError(t, store.PutPortUser(&types.PortUser{PortID: "port-a", UserID: "user-1"}))
	require.NoError(t, store.PutPortUser(&types.PortUser{PortID: "port-b", UserID: "user-1"}))

	require.NoError(t, recorder.Apply(ctx, portA, Sample{Download: 100, Upload: 10}, false))
	require.NoError(t, recorder.Apply(ctx, portB, Sample{Download: 200, Upload: 20}, false))
	require.NoError(t, recorder.Aggregate(ctx, "srv-1"))

	su, err := store.GetServerUser("srv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), su.Download)
	assert.Equal(t, int64(30), su.Upload)
}
