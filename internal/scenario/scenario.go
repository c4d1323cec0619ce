// Package scenario defines the scenario catalog: named routing graphs that
// declare which agents a session may use, which agent answers first, and how
// handoff tools map to target agents.
//
// Scenarios are loaded from YAML at startup and resolved per session into an
// immutable Resolved view. Mid-session the view never changes.
package scenario

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parlancehq/parlance/internal/agent"
)

// HandoffKind distinguishes the two switch behaviors.
type HandoffKind string

const (
	// KindAnnounced switches with an audible greeting from the new agent.
	KindAnnounced HandoffKind = "announced"

	// KindDiscrete switches silently; the new agent continues the
	// conversation as if it had been answering all along.
	KindDiscrete HandoffKind = "discrete"
)

// IsValid reports whether k is a recognised handoff kind.
func (k HandoffKind) IsValid() bool {
	return k == KindAnnounced || k == KindDiscrete
}

// HandoffConfig is one edge in the routing graph: when agent From calls Tool,
// switch to agent To.
type HandoffConfig struct {
	From string      `yaml:"from"`
	To   string      `yaml:"to"`
	Tool string      `yaml:"tool"`
	Kind HandoffKind `yaml:"kind"`

	// ShareContext carries the conversation context (sanitized tool fields,
	// last assistant line for announced handoffs) to the target agent.
	ShareContext bool `yaml:"share_context"`

	// GreetingOverride, when non-empty, is spoken verbatim on this edge
	// instead of the target agent's rendered greeting.
	GreetingOverride string `yaml:"greeting_override"`

	// GreetOnSwitch defaults to true; false suppresses the greeting even for
	// announced handoffs.
	GreetOnSwitch *bool `yaml:"greet_on_switch"`
}

// Greet reports whether this edge allows a greeting at all.
func (h HandoffConfig) Greet() bool {
	return h.GreetOnSwitch == nil || *h.GreetOnSwitch
}

// AgentOverride customizes one agent within a scenario.
type AgentOverride struct {
	// Greeting replaces both greeting templates for this agent.
	Greeting string `yaml:"greeting"`

	// Vars are overlaid on the agent's default template variables.
	Vars map[string]string `yaml:"vars"`
}

// Scenario is one named routing configuration.
type Scenario struct {
	Name string `yaml:"name"`

	// StartAgent answers the call. Empty defers to config then catalog order.
	StartAgent string `yaml:"start_agent"`

	// Agents lists participating agent names; the single value "all" (or an
	// empty list) admits every catalog agent.
	Agents []string `yaml:"agents"`

	Handoffs []HandoffConfig `yaml:"handoffs"`

	// Overrides customizes individual agents, keyed by agent name.
	Overrides map[string]AgentOverride `yaml:"overrides"`

	// MaxToolHops overrides the global tool-hop ceiling for sessions running
	// this scenario. Zero means the global default.
	MaxToolHops int `yaml:"max_tool_hops"`
}

// Catalog holds all loaded scenarios, keyed by name.
type Catalog struct {
	scenarios map[string]*Scenario
}

type catalogFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadCatalog reads the YAML scenario catalog at path. A missing path is not
// an error: sessions then run the implicit default scenario.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open catalog %q: %w", path, err)
	}
	defer f.Close()
	c, err := LoadCatalogFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("scenario: catalog %q: %w", path, err)
	}
	return c, nil
}

// LoadCatalogFromReader decodes and validates a YAML scenario catalog.
func LoadCatalogFromReader(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("scenario: decode catalog: %w", err)
	}

	c := &Catalog{scenarios: make(map[string]*Scenario, len(file.Scenarios))}
	for i := range file.Scenarios {
		s := file.Scenarios[i]
		if s.Name == "" {
			return nil, fmt.Errorf("scenario: scenarios[%d].name is required", i)
		}
		if _, dup := c.scenarios[s.Name]; dup {
			return nil, fmt.Errorf("scenario: duplicate scenario name %q", s.Name)
		}
		for j, h := range s.Handoffs {
			if h.From == "" || h.To == "" || h.Tool == "" {
				return nil, fmt.Errorf("scenario %q: handoffs[%d] requires from, to, and tool", s.Name, j)
			}
			if h.Kind != "" && !h.Kind.IsValid() {
				return nil, fmt.Errorf("scenario %q: handoffs[%d].kind %q is invalid; valid values: announced, discrete", s.Name, j, h.Kind)
			}
		}
		c.scenarios[s.Name] = &s
	}
	return c, nil
}

// EmptyCatalog returns a catalog with no scenarios; every session then uses
// the implicit default.
func EmptyCatalog() *Catalog {
	return &Catalog{scenarios: make(map[string]*Scenario)}
}

// HandoffTools returns the union of handoff tool names declared by any
// scenario's edges, mapped to a default target agent. A tool routed to
// different targets by different edges gets no default; the per-edge lookup
// decides at call time.
func (c *Catalog) HandoffTools() map[string]string {
	out := make(map[string]string)
	for _, sc := range c.scenarios {
		for _, h := range sc.Handoffs {
			if cur, seen := out[h.Tool]; seen && cur != h.To {
				out[h.Tool] = ""
				continue
			}
			out[h.Tool] = h.To
		}
	}
	return out
}

// edgeKey identifies a handoff edge.
type edgeKey struct {
	from string
	tool string
}

// Resolved is a scenario bound to the loaded agent catalog for one session.
// Immutable after Resolve.
type Resolved struct {
	Name        string
	StartAgent  string
	MaxToolHops int

	agents map[string]*agent.Agent
	edges  map[edgeKey]HandoffConfig
}

// Resolve binds the named scenario to the agent catalog. An empty name (or an
// unknown name when allowUnknown default) selects the implicit default:
// every catalog agent, no edges. startOverride is the config-level start
// agent; the scenario's own StartAgent wins over it.
func (c *Catalog) Resolve(name string, agents *agent.Catalog, startOverride string) (*Resolved, error) {
	var sc *Scenario
	if name != "" {
		s, ok := c.scenarios[name]
		if !ok {
			return nil, fmt.Errorf("scenario: unknown scenario %q", name)
		}
		sc = s
	} else {
		sc = &Scenario{Name: "default"}
	}

	r := &Resolved{
		Name:        sc.Name,
		MaxToolHops: sc.MaxToolHops,
		agents:      make(map[string]*agent.Agent),
		edges:       make(map[edgeKey]HandoffConfig, len(sc.Handoffs)),
	}

	// Effective agent set: declared ∩ catalog. "all" or empty admits every
	// catalog agent; a declared name missing from the catalog is an error.
	declared := sc.Agents
	if len(declared) == 0 || (len(declared) == 1 && declared[0] == "all") {
		for _, n := range agents.Names() {
			a, _ := agents.Get(n)
			r.agents[n] = a
		}
	} else {
		for _, n := range declared {
			a, ok := agents.Get(n)
			if !ok {
				return nil, fmt.Errorf("scenario %q: agent %q not in catalog", sc.Name, n)
			}
			r.agents[n] = a
		}
	}

	// Apply per-agent overrides.
	for n, ov := range sc.Overrides {
		a, ok := r.agents[n]
		if !ok {
			return nil, fmt.Errorf("scenario %q: override for agent %q not in effective set", sc.Name, n)
		}
		r.agents[n] = a.WithOverrides(ov.Greeting, ov.Vars)
	}

	for _, h := range sc.Handoffs {
		r.edges[edgeKey{from: h.From, tool: h.Tool}] = h
	}

	// Start agent precedence: scenario → config override → catalog order.
	switch {
	case sc.StartAgent != "":
		r.StartAgent = sc.StartAgent
	case startOverride != "":
		r.StartAgent = startOverride
	default:
		r.StartAgent = agents.Default().Name
	}
	if _, ok := r.agents[r.StartAgent]; !ok {
		return nil, fmt.Errorf("scenario %q: start agent %q not in effective set", sc.Name, r.StartAgent)
	}

	return r, nil
}

// Agent returns the (possibly overridden) agent from the effective set.
func (r *Resolved) Agent(name string) (*agent.Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// AgentNames returns the effective agent set's names, unordered.
func (r *Resolved) AgentNames() []string {
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	return names
}

// Edge returns the handoff edge for (from, tool), if any.
func (r *Resolved) Edge(from, toolName string) (HandoffConfig, bool) {
	h, ok := r.edges[edgeKey{from: from, tool: toolName}]
	return h, ok
}
