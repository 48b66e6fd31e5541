package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache holds compiled schemas keyed by their JSON encoding, so a
// tool's schema is compiled once rather than on every call.
var schemaCache sync.Map

// ValidateInput checks tool arguments against the tool's declared schema.
// A nil or empty schema accepts anything.
func ValidateInput(t Tool, input map[string]any) error {
	schemaDoc := t.InputSchema()
	if len(schemaDoc) == 0 {
		return nil
	}

	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return fmt.Errorf("marshaling schema for %s: %w", t.Name(), err)
	}

	schema, err := compiledSchema(t.Name(), raw)
	if err != nil {
		return err
	}

	// Round-trip through JSON so numbers and nested values take the
	// shapes the validator expects.
	encoded, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshaling input for %s: %w", t.Name(), err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return err
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid input for %s: %w", t.Name(), err)
	}
	return nil
}

func compiledSchema(toolName string, raw []byte) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(string(raw)); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("loading schema for %s: %w", toolName, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema for %s: %w", toolName, err)
	}
	schemaCache.Store(string(raw), schema)
	return schema, nil
}
