package agent

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Catalog is the immutable set of agents loaded at startup, keyed by name.
type Catalog struct {
	agents map[string]*Agent
	order  []string // catalog file order, for the default start agent
}

// catalogFile is the YAML document shape.
type catalogFile struct {
	Agents []Agent `yaml:"agents"`
}

// LoadCatalog reads the YAML agent catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("agent: open catalog %q: %w", path, err)
	}
	defer f.Close()
	c, err := LoadCatalogFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("agent: catalog %q: %w", path, err)
	}
	return c, nil
}

// LoadCatalogFromReader decodes and validates a YAML agent catalog.
func LoadCatalogFromReader(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("agent: decode catalog: %w", err)
	}
	return NewCatalog(file.Agents)
}

// NewCatalog builds a catalog from in-memory agent values, validating each
// and rejecting duplicate names.
func NewCatalog(agents []Agent) (*Catalog, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("agent: catalog declares no agents")
	}
	c := &Catalog{agents: make(map[string]*Agent, len(agents))}
	for i := range agents {
		a := agents[i]
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.agents[a.Name]; dup {
			return nil, fmt.Errorf("agent: duplicate agent name %q", a.Name)
		}
		c.agents[a.Name] = &a
		c.order = append(c.order, a.Name)
	}
	return c, nil
}

// Get returns the agent registered under name.
func (c *Catalog) Get(name string) (*Agent, bool) {
	a, ok := c.agents[name]
	return a, ok
}

// Default returns the first agent in catalog file order. Used as the start
// agent when neither the scenario nor the config names one.
func (c *Catalog) Default() *Agent {
	return c.agents[c.order[0]]
}

// Names returns all agent names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of agents in the catalog.
func (c *Catalog) Len() int { return len(c.agents) }
