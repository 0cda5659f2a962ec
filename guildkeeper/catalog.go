package guildkeeper

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// CatalogEntry describes a command listed by the API. The catalog is
// broader than the set of commands the bot handles.
type CatalogEntry struct {
	Name        string `yaml:"name" json:"name"`
	Category    string `yaml:"category" json:"category"`
	Description string `yaml:"description" json:"description"`
}

// Catalog is the static, ordered list of advertised commands
type Catalog struct {
	entries []CatalogEntry
}

// LoadCatalog parses a YAML catalog document
func LoadCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Commands []CatalogEntry `yaml:"commands"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing command catalog: %w", err)
	}
	for i, e := range doc.Commands {
		if e.Name == "" || e.Category == "" {
			return nil, fmt.Errorf("catalog entry %d: name and category are required", i)
		}
	}
	return &Catalog{entries: doc.Commands}, nil
}

// DefaultCatalog returns the embedded command catalog
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(catalogYAML)
}

// All returns every entry, in catalog order
func (c *Catalog) All() []CatalogEntry {
	entries := make([]CatalogEntry, len(c.entries))
	copy(entries, c.entries)
	return entries
}

// Category returns the entries in the given category, in catalog order.
// Unknown categories return an empty slice.
func (c *Catalog) Category(category string) []CatalogEntry {
	entries := []CatalogEntry{}
	for _, e := range c.entries {
		if e.Category == category {
			entries = append(entries, e)
		}
	}
	return entries
}

// Contains returns true if the catalog lists the command under the
// given category
func (c *Catalog) Contains(name, category string) bool {
	for _, e := range c.entries {
		if e.Name == name && e.Category == category {
			return true
		}
	}
	return false
}
