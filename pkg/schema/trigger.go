package schema

import "time"

// TriggerEvent is an inbound event from the event source.
type TriggerEvent struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Source        string            `json:"source,omitempty"`
	Payload       map[string]any    `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// ConditionKind enumerates trigger predicate variants.
type ConditionKind string

const (
	ConditionPayloadField  ConditionKind = "payload_field"
	ConditionPayloadExists ConditionKind = "payload_exists"
	ConditionSource        ConditionKind = "source"
	ConditionMetadata      ConditionKind = "metadata"
	ConditionExpression    ConditionKind = "expression"
	ConditionAll           ConditionKind = "all"
	ConditionAny           ConditionKind = "any"
	ConditionNot           ConditionKind = "not"
)

// TriggerCondition is a predicate over an event.
// Only the fields relevant to Kind are read.
type TriggerCondition struct {
	Kind       ConditionKind      `json:"kind" yaml:"kind"`
	Path       string             `json:"path,omitempty" yaml:"path,omitempty"`
	Equals     any                `json:"equals,omitempty" yaml:"equals,omitempty"`
	Key        string             `json:"key,omitempty" yaml:"key,omitempty"`
	Engine     string             `json:"engine,omitempty" yaml:"engine,omitempty"`
	Expression string             `json:"expression,omitempty" yaml:"expression,omitempty"`
	Conditions []TriggerCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// RateLimit bounds launches per sliding window.
type RateLimit struct {
	MaxExecutions int    `json:"max_executions"`
	Window        string `json:"window"` // e.g. "1m"
}

// WorkflowTrigger launches a workflow when a matching event arrives.
type WorkflowTrigger struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	WorkflowID   string            `json:"workflow_id"`
	EventPattern string            `json:"event_pattern"` // "*", "prefix.*" or exact type
	Condition    *TriggerCondition `json:"condition,omitempty"`
	InputMapping map[string]string `json:"input_mapping,omitempty"` // input key -> jq path into the event
	StaticInputs map[string]any    `json:"static_inputs,omitempty"`
	RateLimit    *RateLimit        `json:"rate_limit,omitempty"`
	Enabled      bool              `json:"enabled"`
	Priority     int               `json:"priority,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
