// Package functiontool adapts plain Go functions into tools. The input
// schema is derived from the argument struct via reflection, so the
// declaration stays next to the code that uses it.
package functiontool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/alloy-agent/alloy/pkg/tool"
)

type functionTool[A any] struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, args A) (string, error)
}

// New wraps a typed function as a tool. A must be a struct; its exported
// fields (with json tags) become the input schema properties.
func New[A any](name, description string, fn func(ctx context.Context, args A) (string, error)) (tool.Tool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}

	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	var zero A
	schema := reflector.Reflect(&zero)

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("reflecting schema for %s: %w", name, err)
	}
	var schemaDoc map[string]any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, err
	}
	delete(schemaDoc, "$schema")

	return &functionTool[A]{
		name:        name,
		description: description,
		schema:      schemaDoc,
		fn:          fn,
	}, nil
}

// MustNew is New that panics on error, for package-level declarations.
func MustNew[A any](name, description string, fn func(ctx context.Context, args A) (string, error)) tool.Tool {
	t, err := New(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *functionTool[A]) Name() string                { return t.name }
func (t *functionTool[A]) Description() string         { return t.description }
func (t *functionTool[A]) InputSchema() map[string]any { return t.schema }

func (t *functionTool[A]) Execute(ctx context.Context, input map[string]any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encoding arguments: %w", err)
	}
	var args A
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("decoding arguments: %w", err)
	}
	return t.fn(ctx, args)
}
