// Package tool provides the tool registry: the catalog of every function an
// agent may call during a turn.
//
// Entries are registered once at startup (built-ins, business tools supplied
// by the embedding application, bridged MCP tools) and the registry is
// read-only afterwards. Handoff tools are ordinary entries with IsHandoff set;
// the orchestrator routes them to the handoff service instead of treating
// their output as a final tool result.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

// DefaultTimeout bounds a single tool execution when the entry does not
// declare its own.
const DefaultTimeout = 10 * time.Second

// Executor runs a tool call. args is the raw JSON argument object emitted by
// the model; the returned message is the raw JSON result appended to history.
type Executor func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Entry describes one registered tool.
type Entry struct {
	// Name uniquely identifies the tool within the registry.
	Name string

	// Description is surfaced to the model in the tool schema.
	Description string

	// Parameters is the JSON-schema object describing the tool's arguments.
	Parameters map[string]any

	// Executor performs the call. Required for non-handoff tools; handoff
	// tools may use it to produce the announced summary string.
	Executor Executor

	// Tags are free-form labels (e.g. "mcp", "builtin") used for logging and
	// filtering. Never surfaced to the model.
	Tags []string

	// IsHandoff marks the tool as a handoff trigger.
	IsHandoff bool

	// DefaultTarget is the agent a handoff tool switches to when no scenario
	// edge overrides it. Only meaningful when IsHandoff is true.
	DefaultTarget string

	// Timeout bounds one execution. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Registry holds the immutable tool catalog. Register during startup; all
// read methods are safe for concurrent use afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an entry to the catalog. Registering a duplicate name or an
// entry without a name is an error; non-handoff entries must carry an
// executor.
func (r *Registry) Register(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("tool: entry must have a non-empty name")
	}
	if e.Executor == nil && !e.IsHandoff {
		return fmt.Errorf("tool: entry %q must have an executor", e.Name)
	}
	if e.Parameters == nil {
		e.Parameters = map[string]any{"type": "object"}
	}
	if e.Timeout == 0 {
		e.Timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Name]; exists {
		return fmt.Errorf("tool: entry %q already registered", e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// ListForAgent builds the tool-schema slice for the given tool names, in a
// stable (sorted) order. Unknown names are skipped; the orchestrator handles
// a model calling a genuinely unknown tool at execution time.
func (r *Registry) ListForAgent(names []string) []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(names))
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			continue
		}
		defs = append(defs, types.ToolDefinition{
			Name:        e.Name,
			Description: e.Description,
			Parameters:  e.Parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
