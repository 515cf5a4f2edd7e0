package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/convoflow/convoflow/pkg/schema"
)

// Per-node-type config schemas (JSON Schema Draft 2020-12), embedded as
// constants to avoid filesystem dependencies. A node is validated once at
// flow load, never at field access during execution.
//
// Template-bearing fields stay loose (any string is a template); the schemas
// pin structure: required fields, case shape, enum'd node types.
const nodeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://convoflow.dev/schemas/node.json",
  "type": "object",
  "required": ["id", "type"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "type": {
      "type": "string",
      "enum": ["message", "input", "switch", "http_request", "webhook", "delay",
               "set_vars", "subroutine", "email", "media", "location",
               "check_time", "check_holiday", "invite_user", "leave", "gpt_assistant"]
    }
  },
  "allOf": [
    { "if": { "properties": { "type": { "const": "message" } } },
      "then": { "required": ["text"] } },
    { "if": { "properties": { "type": { "const": "input" } } },
      "then": { "required": ["variable"] } },
    { "if": { "properties": { "type": { "const": "switch" } } },
      "then": { "required": ["validation", "cases"],
                "properties": { "cases": { "$ref": "#/$defs/cases" } } } },
    { "if": { "properties": { "type": { "const": "http_request" } } },
      "then": { "required": ["url"],
                "properties": {
                  "method": { "type": "string" },
                  "cases": { "$ref": "#/$defs/cases" },
                  "variables": { "type": "object", "additionalProperties": { "type": "string" } }
                } } },
    { "if": { "properties": { "type": { "const": "webhook" } } },
      "then": { "required": ["filter"],
                "properties": { "timeout": { "type": "integer", "minimum": 0 } } } },
    { "if": { "properties": { "type": { "const": "delay" } } },
      "then": { "required": ["time"] } },
    { "if": { "properties": { "type": { "const": "subroutine" } } },
      "then": { "required": ["go_sub"],
                "properties": { "go_sub": { "type": "string", "minLength": 1 } } } },
    { "if": { "properties": { "type": { "const": "email" } } },
      "then": { "required": ["recipients", "subject", "text"],
                "properties": { "recipients": { "type": "array", "minItems": 1, "items": { "type": "string" } } } } },
    { "if": { "properties": { "type": { "const": "media" } } },
      "then": { "required": ["url"] } },
    { "if": { "properties": { "type": { "const": "location" } } },
      "then": { "required": ["latitude", "longitude"] } },
    { "if": { "properties": { "type": { "const": "check_time" } } },
      "then": { "required": ["cases"],
                "properties": { "cases": { "$ref": "#/$defs/cases" } } } },
    { "if": { "properties": { "type": { "const": "check_holiday" } } },
      "then": { "required": ["cases"],
                "properties": { "cases": { "$ref": "#/$defs/cases" } } } },
    { "if": { "properties": { "type": { "const": "invite_user" } } },
      "then": { "required": ["invitee", "cases"],
                "properties": { "cases": { "$ref": "#/$defs/cases" } } } },
    { "if": { "properties": { "type": { "const": "gpt_assistant" } } },
      "then": { "required": ["middleware"] } }
  ],
  "$defs": {
    "cases": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "o_connection": { "type": "string" },
          "variables": { "type": "object" },
          "condition": { "type": "string" }
        },
        "additionalProperties": false
      }
    }
  }
}`

// NodeValidator validates raw node definitions against the node JSON Schema.
// Safe for concurrent use after construction.
type NodeValidator struct {
	nodeSchema *jsonschema.Schema
}

// NewNodeValidator compiles the node schema.
func NewNodeValidator() (*NodeValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(nodeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal node schema: %w", err)
	}
	if err := c.AddResource("https://convoflow.dev/schemas/node.json", doc); err != nil {
		return nil, fmt.Errorf("add node schema resource: %w", err)
	}
	compiled, err := c.Compile("https://convoflow.dev/schemas/node.json")
	if err != nil {
		return nil, fmt.Errorf("compile node schema: %w", err)
	}
	return &NodeValidator{nodeSchema: compiled}, nil
}

// Validate checks one raw node definition. Returns a FlowError carrying the
// node id and every violation found.
func (v *NodeValidator) Validate(raw json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "node definition is not valid JSON").WithCause(err)
	}
	if err := v.nodeSchema.Validate(doc); err != nil {
		return toFlowError(err).WithNode(nodeID(raw))
	}
	return nil
}

func nodeID(raw json.RawMessage) string {
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.ID
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// per-location violation messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
