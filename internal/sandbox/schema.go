package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema compiles a tool's input schema. The schema is round-tripped
// through JSON so YAML-decoded integers and maps reach the compiler as plain
// JSON values.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encoding input schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding input schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding input schema: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling input schema: %w", err)
	}
	return sch, nil
}

// validateInput checks input against sch. Empty input is treated as {}.
func validateInput(sch *jsonschema.Schema, input json.RawMessage) error {
	var v any = map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &v); err != nil {
			return fmt.Errorf("input is not valid JSON: %w", err)
		}
	}
	return sch.Validate(v)
}
