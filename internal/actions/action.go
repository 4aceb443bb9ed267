package actions

import (
	"context"
	"encoding/json"
)

// Action is an executable unit of work behind an action step.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(input map[string]any) error
}

// ActionRegistry manages the lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	Has(name string) bool
	List() []ActionInfo
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
// Params are already resolved; Context carries execution metadata
// (execution_id, workflow_id, step_id, attempt).
type ActionInput struct {
	Params  map[string]any `json:"params"`
	Context map[string]any `json:"context,omitempty"`
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the output into a generic JSON value.
func (o *ActionOutput) Decode() (any, error) {
	if o == nil || len(o.Data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(o.Data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// contextString reads a string from ActionInput.Context.
func contextString(input ActionInput, key string) string {
	s, _ := input.Context[key].(string)
	return s
}

// jsonOutput marshals v into an ActionOutput.
func jsonOutput(name string, v any) (*ActionOutput, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, serializationError(name, err)
	}
	return &ActionOutput{Data: data}, nil
}
