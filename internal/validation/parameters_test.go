package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func ptrF(v float64) *float64 { return &v }
func ptrI(v int) *int         { return &v }

func TestParameterSchema(t *testing.T) {
	raw, err := ParameterSchema(schema.TemplateParameter{
		Name:       "replicas",
		Type:       schema.ParamNumber,
		Validation: &schema.ParameterValidation{Min: ptrF(1), Max: ptrF(10)},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"number","minimum":1,"maximum":10}`, string(raw))

	raw, err = ParameterSchema(schema.TemplateParameter{
		Name:       "hosts",
		Type:       schema.ParamArray,
		Validation: &schema.ParameterValidation{MinLength: ptrI(1), MaxLength: ptrI(3)},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"array","minItems":1,"maxItems":3}`, string(raw))

	raw, err = ParameterSchema(schema.TemplateParameter{Name: "env", Type: schema.ParamSelect, Options: []string{"dev", "prod"}})
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, []any{"dev", "prod"}, doc["enum"])

	_, err = ParameterSchema(schema.TemplateParameter{Name: "env", Type: schema.ParamSelect})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = ParameterSchema(schema.TemplateParameter{Name: "x", Type: "date"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateParameters(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	params := []schema.TemplateParameter{
		{Name: "service", Type: schema.ParamString, Required: true,
			Validation: &schema.ParameterValidation{Pattern: "^[a-z-]+$"}},
		{Name: "env", Type: schema.ParamSelect, Options: []string{"dev", "prod"}, Default: "dev"},
		{Name: "replicas", Type: schema.ParamNumber, Validation: &schema.ParameterValidation{Min: ptrF(1)}},
		{Name: "dry_run", Type: schema.ParamBoolean},
	}

	t.Run("defaults applied", func(t *testing.T) {
		out, err := ValidateParameters(v, params, map[string]any{"service": "billing-api", "replicas": 3, "extra": true})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"service": "billing-api", "env": "dev", "replicas": 3}, out)
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := ValidateParameters(v, params, map[string]any{})
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	})

	t.Run("every problem reported", func(t *testing.T) {
		_, err := ValidateParameters(v, params, map[string]any{
			"service":  "Billing API",
			"env":      "staging",
			"replicas": 0,
			"dry_run":  "yes",
		})
		require.Error(t, err)
		oe := err.(*schema.OpflowError)
		assert.Equal(t, schema.ErrCodeValidation, oe.Code)
		assert.Equal(t, 4, oe.Details["error_count"])
	})
}
