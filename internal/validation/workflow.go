package validation

import "github.com/rendis/opflow/pkg/schema"

// WorkflowValidator runs the two-stage definition pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (config blocks, actions, expressions, branches, references)
// Graph checks (unknown dependencies, cycles) belong to the engine's DAG builder.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	exprs      ExpressionChecker
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup and exprs may be nil to skip action existence and expression compile checks.
func NewWorkflowValidator(lookup ActionLookup, exprs ExpressionChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    lookup,
		exprs:      exprs,
	}, nil
}

// Validate runs the pipeline and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeInvalidDefinition, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def, wv.actions, wv.exprs))
	return result
}

// ValidateDefinition returns an INVALID_DEFINITION error listing every issue, or nil.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToErrorCode(schema.ErrCodeInvalidDefinition)
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// Schema exposes the JSON Schema validator for value checks.
func (wv *WorkflowValidator) Schema() *JSONSchemaValidator {
	return wv.jsonSchema
}

func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	opErr, ok := err.(*schema.OpflowError)
	if !ok {
		result.AddError("/", schema.ErrCodeInvalidDefinition, err.Error())
		return result
	}

	if violations, ok := opErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", opErr.Code, v)
		}
		return result
	}
	result.AddError("/", opErr.Code, opErr.Message)
	return result
}
