package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// Event is a single entry in the lifecycle event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ExecutionUpdate holds the mutable fields of an execution; nil means unchanged.
type ExecutionUpdate struct {
	State       *schema.ExecutionState
	Variables   map[string]any
	Error       *schema.OpflowError
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func notFound(resource, id string) *schema.OpflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func conflict(format string, args ...any) *schema.OpflowError {
	return schema.NewErrorf(schema.ErrCodeConflict, format, args...)
}

// clone deep-copies v through JSON so callers never share mutable state with the store.
func clone[T any](v *T) (*T, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeSerialization, "encode record").WithCause(err)
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeSerialization, "decode record").WithCause(err)
	}
	return &out, nil
}
