package actions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// Param helpers used by all action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func durationParam(m map[string]any, key string, defaultVal time.Duration) (time.Duration, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return defaultVal, nil
	}
	switch v := raw.(type) {
	case string:
		return schema.ParseDuration(v, defaultVal)
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "%s must be a duration string", key)
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// Error helpers. Codes decide retryability downstream.

func failure(name, format string, args ...any) *schema.OpflowError {
	return schema.NewErrorf(schema.ErrCodeStepExecutionFailed, "%s: %s", name, fmt.Sprintf(format, args...))
}

func invalidParams(name, format string, args ...any) *schema.OpflowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", name, fmt.Sprintf(format, args...))
}

func serializationError(name string, err error) *schema.OpflowError {
	return schema.NewErrorf(schema.ErrCodeSerialization, "%s: marshal output", name).WithCause(err)
}
