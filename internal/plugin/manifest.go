package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes one catalog entry: which registered factory to load
// and how to present it in the workspace. Manifests live as YAML files in
// the plugins directory; built-in plugins ship a manifest too so the
// catalog treats everything uniformly.
type Manifest struct {
	Name        string `yaml:"name"`
	Entry       string `yaml:"entry"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// Validate checks the fields a manifest must carry.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	if m.Entry == "" {
		return fmt.Errorf("%w: entry is required", ErrInvalidManifest)
	}
	return nil
}

// LoadManifest reads and validates one manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, filepath.Base(path), err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return &m, nil
}

// DiscoverManifests loads every .yaml/.yml manifest in dir, sorted by name.
// A missing directory yields an empty catalog, not an error; a broken
// manifest fails discovery so misconfiguration is caught at startup rather
// than at first launch.
func DiscoverManifests(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugins directory: %w", err)
	}

	var manifests []Manifest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := LoadManifest(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, *m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests, nil
}
