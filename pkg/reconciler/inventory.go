package reconciler

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/aurora-admin/aurora/pkg/types"
)

// Inventory mirrors the active server fleet into a YAML file that ops
// tooling on the control host can consume. Regenerated by the
// EnsureInventory plan step and the housekeeping job.
type Inventory struct {
	path string
}

// NewInventory creates an inventory writer under dir
func NewInventory(dir string) *Inventory {
	return &Inventory{path: filepath.Join(dir, "inventory.yml")}
}

// Path returns the inventory file location
func (i *Inventory) Path() string {
	return i.path
}

type inventoryHost struct {
	Name string `yaml:"name,omitempty"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
}

// Write renders the active servers. Map keys are server ids; yaml
// marshaling sorts them, so repeated runs produce identical bytes.
func (i *Inventory) Write(servers []*types.Server) error {
	doc := struct {
		Servers map[string]inventoryHost `yaml:"servers"`
	}{Servers: make(map[string]inventoryHost)}

	for _, server := range servers {
		if !server.IsActive {
			continue
		}
		doc.Servers[server.ID] = inventoryHost{
			Name: server.Name,
			Host: server.Host,
			Port: server.Port,
			User: server.User,
		}
	}

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to render inventory: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(i.path), 0o755); err != nil {
		return fmt.Errorf("failed to create inventory dir: %v", err)
	}
	if err := os.WriteFile(i.path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write inventory: %v", err)
	}
	return nil
}
