package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/opflow/pkg/schema"
)

// ParameterSchema renders the JSON Schema a template parameter value must satisfy.
func ParameterSchema(p schema.TemplateParameter) ([]byte, error) {
	doc := map[string]any{}
	switch p.Type {
	case schema.ParamString, schema.ParamSecret, "":
		doc["type"] = "string"
	case schema.ParamNumber:
		doc["type"] = "number"
	case schema.ParamBoolean:
		doc["type"] = "boolean"
	case schema.ParamArray:
		doc["type"] = "array"
	case schema.ParamObject:
		doc["type"] = "object"
	case schema.ParamSelect:
		if len(p.Options) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "select parameter %q has no options", p.Name)
		}
		doc["enum"] = p.Options
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parameter %q has unknown type %q", p.Name, p.Type)
	}

	if v := p.Validation; v != nil {
		if v.Min != nil {
			doc["minimum"] = *v.Min
		}
		if v.Max != nil {
			doc["maximum"] = *v.Max
		}
		lengthMin, lengthMax := "minLength", "maxLength"
		if p.Type == schema.ParamArray {
			lengthMin, lengthMax = "minItems", "maxItems"
		}
		if v.MinLength != nil {
			doc[lengthMin] = *v.MinLength
		}
		if v.MaxLength != nil {
			doc[lengthMax] = *v.MaxLength
		}
		if v.Pattern != "" {
			doc["pattern"] = v.Pattern
		}
	}
	return json.Marshal(doc)
}

// ValidateParameters checks values against the declarations and returns the
// effective values with defaults applied. Every problem is reported in one
// VALIDATION_ERROR; undeclared values are ignored.
func ValidateParameters(v *JSONSchemaValidator, params []schema.TemplateParameter, values map[string]any) (map[string]any, error) {
	result := &schema.ValidationResult{}
	out := make(map[string]any, len(params))

	for _, p := range params {
		path := "parameters." + p.Name
		val, ok := values[p.Name]
		if !ok || val == nil {
			if p.Default != nil {
				out[p.Name] = p.Default
				continue
			}
			if p.Required {
				result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("required parameter %q is missing", p.Name))
			}
			continue
		}

		raw, err := ParameterSchema(p)
		if err != nil {
			result.AddError(path, schema.ErrCodeValidation, err.Error())
			continue
		}
		if err := v.ValidateValue(val, raw); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("parameter %q: %s", p.Name, violationText(err)))
			continue
		}
		out[p.Name] = val
	}

	if err := result.ToErrorCode(schema.ErrCodeValidation); err != nil {
		return nil, err
	}
	return out, nil
}

func violationText(err error) string {
	if oe, ok := err.(*schema.OpflowError); ok {
		if vs, ok := oe.Details["violations"].([]string); ok && len(vs) > 0 {
			return vs[0]
		}
		return oe.Message
	}
	return err.Error()
}
