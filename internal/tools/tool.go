package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Tool defines the interface for all engine capabilities.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the tool's inputs
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Keyworded tools advertise words that make them relevant to a query.
type Keyworded interface {
	Keywords() []string
}

// Lookup resolves a tool by name.
type Lookup interface {
	Get(name string) (Tool, bool)
}

// Info is the description of a tool handed to a planner.
type Info struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"input_schema"`
}

func InfoOf(t Tool) Info {
	return Info{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}
}

// Registry manages the set of available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Infos describes the named tools, or every tool when names is empty.
// Unknown names are skipped.
func (r *Registry) Infos(names ...string) []Info {
	if len(names) == 0 {
		names = r.Names()
	}
	out := make([]Info, 0, len(names))
	for _, n := range names {
		if t, ok := r.Get(n); ok {
			out = append(out, InfoOf(t))
		}
	}
	return out
}

// decodeArgs converts loosely typed arguments into a struct via JSON.
func decodeArgs(args map[string]any, v any) error {
	if len(args) == 0 {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid input: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid input: %v", err)
	}
	return nil
}

func jsonResult(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
