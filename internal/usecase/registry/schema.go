package registry

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"orchestra/internal/domain"
)

// compileSchemas compiles the InputSchema of every capability that declares one.
func compileSchemas(caps []domain.AgentCapability) (map[string]*jsonschema.Schema, error) {
	var out map[string]*jsonschema.Schema
	for _, c := range caps {
		if len(c.InputSchema) == 0 || string(c.InputSchema) == "null" {
			continue
		}
		schema, err := jsonschema.NewCompiler().Compile(c.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("capability %q: invalid input schema: %w", c.Name, err)
		}
		if out == nil {
			out = make(map[string]*jsonschema.Schema)
		}
		out[c.Name] = schema
	}
	return out, nil
}

func validatePayload(schema *jsonschema.Schema, payload domain.TaskPayload) error {
	data := map[string]any(payload)
	if data == nil {
		data = map[string]any{}
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}
