package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/aurora-admin/aurora/pkg/types"
)

const (
	// DefaultRoot is the base directory for uploaded blobs
	DefaultRoot = "/app/files"
)

// Store keeps uploaded blobs (SSH keys, shipped binaries, configs) on
// local disk under a dated tree:
//
//	<root>/<year>/<month>/<day>/<uuid>-<name>
//
// The metadata row lives in the database; rows carry the path relative
// to the root so the tree can be relocated.
type Store struct {
	root string
}

// NewStore creates the blob root if needed and returns a store over it
func NewStore(root string) (*Store, error) {
	if root == "" {
		root = DefaultRoot
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create file storage root: %w", err)
	}

	return &Store{root: root}, nil
}

// Save streams a blob to disk and returns its metadata row. The file
// mode follows the blob type: secrets are owner-only, executables get
// the execute bits, everything else is world-readable.
func (s *Store) Save(name string, typ types.FileType, r io.Reader) (*types.File, error) {
	if name == "" {
		return nil, fmt.Errorf("file name is required")
	}
	// Flatten any path the client sent; only the base name lands on disk.
	name = filepath.Base(name)

	now := time.Now().UTC()
	id := uuid.New().String()
	rel := filepath.Join(now.Format("2006"), now.Format("01"), now.Format("02"), id+"-"+name)

	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, Mode(typ))
	if err != nil {
		return nil, fmt.Errorf("failed to create blob: %w", err)
	}

	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(abs)
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}

	return &types.File{
		ID:        id,
		Name:      name,
		Type:      typ,
		Path:      rel,
		Size:      size,
		CreatedAt: now,
	}, nil
}

// Path resolves a metadata row to a path on the control-plane host,
// suitable for handing to the connector as a key file or upload source
func (s *Store) Path(file *types.File) string {
	return filepath.Join(s.root, file.Path)
}

// Open returns the blob contents for streaming back to a client
func (s *Store) Open(file *types.File) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(file))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", file.ID, err)
	}
	return f, nil
}

// Remove deletes the blob from disk. A missing blob is not an error;
// the row may outlive a manually pruned tree.
func (s *Store) Remove(file *types.File) error {
	if err := os.Remove(s.Path(file)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove blob %s: %w", file.ID, err)
	}
	return nil
}

// Mode returns the on-disk permission bits for a blob type
func Mode(typ types.FileType) os.FileMode {
	switch typ {
	case types.FileTypeSecret:
		return 0600
	case types.FileTypeExecutable:
		return 0766
	default:
		return 0644
	}
}
