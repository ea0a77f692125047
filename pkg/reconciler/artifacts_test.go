package reconciler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactsWriteRead(t *testing.T) {
	arts := NewArtifacts(t.TempDir())

	require.NoError(t, arts.Write("srv-1", "job-1", "UPLOAD 10001-> 600\n"))

	out, err := arts.Read("srv-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "UPLOAD 10001-> 600\n", out)

	_, err = arts.Read("srv-1", "job-unknown")
	assert.Error(t, err)
}

func TestArtifactsSweep(t *testing.T) {
	arts := NewArtifacts(t.TempDir())

	require.NoError(t, arts.Write("srv-1", "job-1", "a"))
	require.NoError(t, arts.Write("srv-1", "job-2", "b"))
	require.NoError(t, arts.Write("srv-2", "job-3", "c"))

	removed, err := arts.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = arts.Read("srv-1", "job-1")
	assert.True(t, os.IsNotExist(err))
}

func TestArtifactsSweepMissingRoot(t *testing.T) {
	arts := NewArtifacts(filepath.Join(t.TempDir(), "never-created"))

	removed, err := arts.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestArtifactsSweepServer(t *testing.T) {
	arts := NewArtifacts(t.TempDir())
	require.NoError(t, arts.Write("srv-1", "job-1", "a"))

	require.NoError(t, arts.SweepServer("srv-1"))

	_, err := arts.Read("srv-1", "job-1")
	assert.True(t, os.IsNotExist(err))
}
