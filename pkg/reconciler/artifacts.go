package reconciler

import (
	"fmt"
	"os"
	"path/filepath"
)

// Artifacts stores each plan run's combined output on the control
// plane host, keyed by server and job ident. The boundary serves these
// back for a rule via its recorded runner.
type Artifacts struct {
	root string
}

// NewArtifacts creates an artifact store rooted at dir
func NewArtifacts(dir string) *Artifacts {
	return &Artifacts{root: dir}
}

func (a *Artifacts) dir(serverID, ident string) string {
	return filepath.Join(a.root, serverID, "artifacts", ident)
}

// Write records a run's stdout
func (a *Artifacts) Write(serverID, ident, output string) error {
	dir := a.dir(serverID, ident)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stdout"), []byte(output), 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %v", err)
	}
	return nil
}

// Read returns a run's stdout
func (a *Artifacts) Read(serverID, ident string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(a.dir(serverID, ident), "stdout"))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Sweep removes every server's artifacts tree and reports how many
// run directories went away.
func (a *Artifacts) Sweep() (int, error) {
	servers, err := os.ReadDir(a.root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, server := range servers {
		if !server.IsDir() {
			continue
		}
		base := filepath.Join(a.root, server.Name(), "artifacts")
		runs, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, run := range runs {
			if err := os.RemoveAll(filepath.Join(base, run.Name())); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// SweepServer removes one server's whole private tree, for server
// deletion.
func (a *Artifacts) SweepServer(serverID string) error {
	return os.RemoveAll(filepath.Join(a.root, serverID))
}
