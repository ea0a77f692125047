package reconciler

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-admin/aurora/pkg/types"
)

func TestInventoryWritesActiveServers(t *testing.T) {
	inv := NewInventory(t.TempDir())

	require.NoError(t, inv.Write([]*types.Server{
		{ID: "srv-1", Name: "alpha", Host: "192.0.2.10", Port: 22, User: "root", IsActive: true},
		{ID: "srv-2", Name: "beta", Host: "192.0.2.11", Port: 2222, User: "ops", IsActive: true},
		{ID: "srv-3", Name: "retired", Host: "192.0.2.12", Port: 22, User: "root"},
	}))

	raw, err := os.ReadFile(inv.Path())
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "srv-1")
	assert.Contains(t, text, "host: 192.0.2.10")
	assert.Contains(t, text, "port: 2222")
	assert.Contains(t, text, "user: ops")
	assert.NotContains(t, text, "retired")
}

func TestInventoryStableAcrossRuns(t *testing.T) {
	inv := NewInventory(t.TempDir())
	servers := []*types.Server{
		{ID: "srv-2", Host: "192.0.2.11", Port: 22, User: "root", IsActive: true},
		{ID: "srv-1", Host: "192.0.2.10", Port: 22, User: "root", IsActive: true},
	}

	require.NoError(t, inv.Write(servers))
	first, err := os.ReadFile(inv.Path())
	require.NoError(t, err)

	// Reversed input order must not change the rendered bytes.
	servers[0], servers[1] = servers[1], servers[0]
	require.NoError(t, inv.Write(servers))
	second, err := os.ReadFile(inv.Path())
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}
