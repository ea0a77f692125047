package files

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-admin/aurora/pkg/types"
)

func TestSaveLayout(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	file, err := store.Save("id_ed25519", types.FileTypeSecret, strings.NewReader("key material"))
	require.NoError(t, err)

	assert.NotEmpty(t, file.ID)
	assert.Equal(t, "id_ed25519", file.Name)
	assert.Equal(t, int64(len("key material")), file.Size)

	// Dated tree: <year>/<month>/<day>/<uuid>-<name>
	now := time.Now().UTC()
	wantDir := filepath.Join(now.Format("2006"), now.Format("01"), now.Format("02"))
	assert.Equal(t, wantDir, filepath.Dir(file.Path))
	assert.Equal(t, file.ID+"-id_ed25519", filepath.Base(file.Path))

	data, err := os.ReadFile(store.Path(file))
	require.NoError(t, err)
	assert.Equal(t, "key material", string(data))
}

func TestSaveModes(t *testing.T) {
	tests := []struct {
		typ  types.FileType
		want os.FileMode
	}{
		{types.FileTypeSecret, 0600},
		{types.FileTypeExecutable, 0766},
		{types.FileTypeOther, 0644},
		{types.FileType("unknown"), 0644},
	}

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			file, err := store.Save("blob", tt.typ, strings.NewReader("x"))
			require.NoError(t, err)

			info, err := os.Stat(store.Path(file))
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.Mode().Perm())
		})
	}
}

func TestSaveStripsClientPath(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	file, err := store.Save("../../etc/passwd", types.FileTypeOther, strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "passwd", file.Name)
	assert.Equal(t, file.ID+"-passwd", filepath.Base(file.Path))
}

func TestSaveRequiresName(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Save("", types.FileTypeOther, strings.NewReader("x"))
	assert.Error(t, err)
}

func TestOpenAndRemove(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	file, err := store.Save("script.sh", types.FileTypeExecutable, strings.NewReader("#!/bin/sh\n"))
	require.NoError(t, err)

	r, err := store.Open(file)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "#!/bin/sh\n", string(data))

	require.NoError(t, store.Remove(file))
	_, err = os.Stat(store.Path(file))
	assert.True(t, os.IsNotExist(err))

	// Removing again is not an error
	assert.NoError(t, store.Remove(file))
}
