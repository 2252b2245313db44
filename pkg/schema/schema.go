// Package schema validates authored flow graphs before they reach the
// engine, as a JSON-schema pass over the wire shape followed by the
// structural checks the engine depends on.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/cadencehq/cadence/pkg/models"
)

var flowSchema = map[string]any{
	"type":     "object",
	"required": []string{"organization_id", "name", "status", "trigger", "nodes"},
	"properties": map[string]any{
		"organization_id": map[string]any{"type": "string", "minLength": 1},
		"name":            map[string]any{"type": "string", "minLength": 3},
		"status": map[string]any{
			"type": "string",
			"enum": []string{"draft", "active", "paused", "archived"},
		},
		"trigger": map[string]any{
			"type":     "object",
			"required": []string{"type"},
			"properties": map[string]any{
				"type": map[string]any{
					"type": "string",
					"enum": []string{"event", "segment_entry", "segment_exit", "date_property", "manual"},
				},
				"event_name":    map[string]any{"type": "string"},
				"segment_id":    map[string]any{"type": "string"},
				"date_property": map[string]any{"type": "string"},
				"filters":       map[string]any{"type": "array"},
			},
		},
		"nodes": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []string{"id", "type"},
				"properties": map[string]any{
					"id": map[string]any{"type": "string", "minLength": 1},
					"type": map[string]any{
						"type": "string",
						"enum": []string{
							"trigger", "delay", "email", "sms", "condition", "split",
							"update_profile", "add_tag", "remove_tag", "webhook", "exit",
						},
					},
					"data": map[string]any{"type": "object"},
				},
			},
		},
		"edges": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"source", "target"},
				"properties": map[string]any{
					"source": map[string]any{"type": "string", "minLength": 1},
					"target": map[string]any{"type": "string", "minLength": 1},
					"label":  map[string]any{"type": "string"},
				},
			},
		},
	},
}

// ValidateFlowJSON checks raw flow JSON against the schema, decodes it and
// runs the engine's structural invariants (single trigger root, no dangling
// edges). Returns the decoded flow on success.
func ValidateFlowJSON(raw []byte) (*models.Flow, error) {
	var document any
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("invalid flow JSON: %w", err)
	}

	schemaLoader := gojsonschema.NewGoLoader(flowSchema)
	dataLoader := gojsonschema.NewGoLoader(document)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return nil, fmt.Errorf("flow validation errors: %s", strings.Join(problems, "; "))
	}

	var flow models.Flow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return nil, fmt.Errorf("failed to decode flow: %w", err)
	}

	if err := flow.Validate(); err != nil {
		return nil, err
	}

	return &flow, nil
}
