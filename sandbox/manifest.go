package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

// Manifest describes one installed skill, loaded from skill.toml under the
// skills root. The runtime decides the sandbox command shape.
type Manifest struct {
	ID          string         `toml:"id" json:"id"`
	Name        string         `toml:"name" json:"name"`
	Description string         `toml:"description" json:"description,omitempty"`
	Runtime     string         `toml:"runtime" json:"runtime"`
	Interface   string         `toml:"interface" json:"interface,omitempty"`
	Permissions []string       `toml:"permissions" json:"permissions,omitempty"`
	Limits      map[string]any `toml:"limits" json:"limits,omitempty"`
}

// Registry loads skill manifests from a skills root directory: one
// subdirectory per skill, each with a skill.toml.
type Registry struct {
	root string
}

// NewRegistry creates a manifest registry. Returns nil when no root is
// configured so callers can report SKILLS_NOT_CONFIGURED.
func NewRegistry(root string) *Registry {
	if root == "" {
		return nil
	}
	return &Registry{root: root}
}

// List loads every valid manifest under the root, sorted by id. Directories
// without a parseable skill.toml are skipped.
func (r *Registry) List() ([]Manifest, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("read skills root %s: %w", r.root, err)
	}
	var manifests []Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := loadManifest(filepath.Join(r.root, entry.Name(), "skill.toml"))
		if err != nil {
			continue
		}
		manifests = append(manifests, *m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests, nil
}

// Get returns the manifest with the given id, or false.
func (r *Registry) Get(id string) (*Manifest, bool) {
	manifests, err := r.List()
	if err != nil {
		return nil, false
	}
	for i := range manifests {
		if manifests[i].ID == id {
			return &manifests[i], true
		}
	}
	return nil, false
}

func loadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, err
	}
	if m.ID == "" || m.Runtime == "" {
		return nil, fmt.Errorf("manifest %s: id and runtime are required", path)
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	return &m, nil
}
