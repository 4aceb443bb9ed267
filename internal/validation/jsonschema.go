package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/opflow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition documents.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://opflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": { "type": "object" },
    "timeout": { "$ref": "#/$defs/duration" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["action", "approval", "parallel", "conditional", "sub_workflow"]
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" },
        "continue_on_error": { "type": "boolean" },
        "action": { "$ref": "#/$defs/action" },
        "approval": { "$ref": "#/$defs/approval" },
        "parallel": { "$ref": "#/$defs/parallel" },
        "condition": { "$ref": "#/$defs/condition" },
        "sub_workflow": { "$ref": "#/$defs/sub_workflow" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "type": "string", "enum": ["http", "sandbox", "custom", "wait"] },
        "name": { "type": "string" },
        "params": { "type": "object" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "base_delay": { "$ref": "#/$defs/duration" },
        "multiplier": { "type": "number", "minimum": 1 },
        "jitter": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "approval": {
      "type": "object",
      "properties": {
        "title": { "type": "string" },
        "description": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" },
        "approvers": { "type": "array", "items": { "type": "string" } },
        "notification_channels": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "parallel": {
      "type": "object",
      "required": ["actions"],
      "properties": {
        "actions": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/action" } },
        "fail_fast": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "expression": { "type": "string", "minLength": 1 },
        "engine": { "type": "string", "enum": ["cel", "expr", "jq"] },
        "then": { "type": "array", "items": { "type": "string" } },
        "else": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "sub_workflow": {
      "type": "object",
      "required": ["workflow_id"],
      "properties": {
        "workflow_id": { "type": "string", "minLength": 1 },
        "input": { "type": "object" },
        "no_wait": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

const workflowSchemaURL = "https://opflow.dev/schemas/workflow.json"

// JSONSchemaValidator checks definitions and input documents against JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache and compiler for dynamic schema compilation.
	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	cache    map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		compiler:       newInputCompiler(),
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeSerialization, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toOpflowError(schema.ErrCodeInvalidDefinition, err)
	}
	return nil
}

// ValidateInput validates an input document against a JSON Schema provided as raw bytes.
// Violations are VALIDATION_ERROR.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	return v.ValidateValue(input, inputSchema)
}

// ValidateValue validates any JSON-compatible value against a raw JSON Schema.
// The schema is compiled once and cached by its text.
func (v *JSONSchemaValidator) ValidateValue(value any, rawSchema []byte) error {
	if len(rawSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	// Round-trip so numbers become json.Number.
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeSerialization, "failed to serialize value").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toOpflowError(schema.ErrCodeValidation, err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("opflow://input-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newInputCompiler creates a Compiler configured for input/output validation.
func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toOpflowError converts a jsonschema.ValidationError into an OpflowError
// carrying every leaf violation in details.
func toOpflowError(code string, err error) *schema.OpflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(code, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(code, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(code, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations for agent-friendly error reporting.
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
