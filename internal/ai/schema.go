package ai

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildSuggestionSchema returns the JSON-Schema the model's reply must match.
// It is sent to the model as an output constraint and used locally to
// validate the reply before anything touches a record.
func BuildSuggestionSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"suggestions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"field":      map[string]any{"type": "string", "minLength": 1},
						"suggested":  map[string]any{"type": "string"},
						"reason":     map[string]any{"type": "string"},
						"confidence": map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
					},
					"required": []string{"field", "suggested"},
				},
			},
			"overall_risk": map[string]any{
				"type": "string",
				"enum": []string{RiskLow, RiskMedium, RiskHigh},
			},
		},
		"required": []string{"suggestions", "overall_risk"},
	}
}

// ValidateJSONAgainstSchema validates data against schemaMap.
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
