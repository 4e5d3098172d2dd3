// Package catalog describes the virtual GPU instance types a host
// offers: how much graphics memory, how many fence registers and what
// share of the physical GPU each type carves out. Catalogs are plain
// YAML files shipped alongside the host configuration.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Type is one virtual GPU instance type.
type Type struct {
	Name         string `yaml:"name"`
	LowGMSizeMB  int    `yaml:"low_gm_size_mb"`
	HighGMSizeMB int    `yaml:"high_gm_size_mb"`
	Fence        int    `yaml:"fence"`
	Resolution   string `yaml:"resolution"`
	Weight       int    `yaml:"weight"`
	MaxInstances int    `yaml:"max_instances"`
}

// Description renders the type the way host tooling reports it.
func (t Type) Description() string {
	return fmt.Sprintf("low_gm_size: %dMB\nhigh_gm_size: %dMB\nfence: %d\nresolution: %s\nweight: %d\n",
		t.LowGMSizeMB, t.HighGMSizeMB, t.Fence, t.Resolution, t.Weight)
}

// Catalog is an ordered set of instance types.
type Catalog struct {
	Types []Type `yaml:"types"`
}

// Parse decodes a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	for i, t := range c.Types {
		if t.Name == "" {
			return nil, fmt.Errorf("catalog: type %d has no name", i)
		}
		if t.MaxInstances <= 0 {
			return nil, fmt.Errorf("catalog: type %q: max_instances must be positive", t.Name)
		}
	}
	return &c, nil
}

// Load reads and parses a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return Parse(data)
}

// Find returns the named type.
func (c *Catalog) Find(name string) (Type, error) {
	for _, t := range c.Types {
		if t.Name == name {
			return t, nil
		}
	}
	return Type{}, fmt.Errorf("catalog: no type %q", name)
}
