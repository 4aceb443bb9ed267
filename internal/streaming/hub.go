package streaming

import (
	"context"
	"strings"
	"time"
)

// StreamEvent is a real-time event emitted during execution or received from an event source.
type StreamEvent struct {
	ExecutionID string    `json:"execution_id,omitempty"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	EventType   string    `json:"event_type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// EventTypes entries are patterns: "*", a "prefix.*" wildcard, or an exact type.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// MatchPattern reports whether eventType matches pattern.
// "*" matches everything; "order.*" is a plain prefix match on "order", so it
// matches "order", "order.created" and "orders.created".
func MatchPattern(pattern, eventType string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, ".*"))
	default:
		return pattern == eventType
	}
}
