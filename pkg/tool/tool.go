// Package tool defines the tool contract and its registry. Tools declare a
// JSON Schema for their input; the executor validates arguments against it
// before dispatch.
package tool

import (
	"context"

	"github.com/alloy-agent/alloy/pkg/registry"
)

// Tool is an executable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string

	// InputSchema returns a JSON Schema object describing the input.
	InputSchema() map[string]any

	// Execute runs the tool. A returned error becomes an error result
	// block in the conversation, never a crash.
	Execute(ctx context.Context, input map[string]any) (string, error)
}

// Registry holds named tools.
type Registry struct {
	registry.Registry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{Registry: registry.NewBaseRegistry[Tool]()}
}

// RegisterAll registers every tool under its own name.
func (r *Registry) RegisterAll(tools ...Tool) error {
	for _, t := range tools {
		if err := r.Register(t.Name(), t); err != nil {
			return err
		}
	}
	return nil
}

// Select returns the subset of tools matching the given names, skipping
// unknown names.
func (r *Registry) Select(names []string) []Tool {
	var out []Tool
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			out = append(out, t)
		}
	}
	return out
}
