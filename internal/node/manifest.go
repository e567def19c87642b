package node

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest describes a node pack (node.yaml).
type Manifest struct {
	Metadata Metadata        `yaml:"metadata"`
	Nodes    []ManifestEntry `yaml:"nodes"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type ManifestEntry struct {
	Class       string `yaml:"class"`
	DisplayName string `yaml:"display_name"`
	Category    string `yaml:"category,omitempty"`
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// ValidateManifest ensures the manifest contains required fields.
func ValidateManifest(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if len(m.Nodes) == 0 {
		return fmt.Errorf("nodes must declare at least one class")
	}
	seen := make(map[string]bool, len(m.Nodes))
	for i, entry := range m.Nodes {
		if entry.Class == "" {
			return fmt.Errorf("nodes[%d].class is required", i)
		}
		if entry.DisplayName == "" {
			return fmt.Errorf("nodes[%d].display_name is required", i)
		}
		if seen[entry.Class] {
			return fmt.Errorf("nodes[%d]: duplicate class %q", i, entry.Class)
		}
		seen[entry.Class] = true
	}
	return nil
}
