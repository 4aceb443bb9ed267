package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/opflow/pkg/schema"
)

// Sandbox runs untrusted code outside this process. The engine never executes
// code itself; deployments plug in their sandbox service here.
type Sandbox interface {
	Run(ctx context.Context, req SandboxRequest) (any, error)
}

// SandboxRequest is the work handed to a Sandbox.
type SandboxRequest struct {
	Language    string         `json:"language"`
	Code        string         `json:"code"`
	Args        map[string]any `json:"args,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
}

// SandboxFunc adapts a function to the Sandbox interface.
type SandboxFunc func(ctx context.Context, req SandboxRequest) (any, error)

func (f SandboxFunc) Run(ctx context.Context, req SandboxRequest) (any, error) { return f(ctx, req) }

const sandboxInputSchema = `{
  "type": "object",
  "properties": {
    "language": {"type": "string"},
    "code": {"type": "string"},
    "args": {"type": "object"}
  },
  "required": ["language", "code"]
}`

// SandboxAction implements the "sandbox" action kind by delegating to a Sandbox.
type SandboxAction struct {
	sandbox Sandbox
}

// NewSandboxAction wraps sb. A nil sandbox fails every attempt with ACTION_UNAVAILABLE.
func NewSandboxAction(sb Sandbox) *SandboxAction {
	return &SandboxAction{sandbox: sb}
}

func (a *SandboxAction) Name() string { return schema.ActionKindSandbox }

func (a *SandboxAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run code in the external sandbox service.",
		InputSchema: json.RawMessage(sandboxInputSchema),
	}
}

func (a *SandboxAction) Validate(input map[string]any) error {
	if stringParam(input, "language", "") == "" {
		return invalidParams("sandbox", "missing required param 'language'")
	}
	if stringParam(input, "code", "") == "" {
		return invalidParams("sandbox", "missing required param 'code'")
	}
	return nil
}

func (a *SandboxAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if a.sandbox == nil {
		return nil, schema.NewError(schema.ErrCodeActionUnavailable, "sandbox: no sandbox configured")
	}
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	out, err := a.sandbox.Run(ctx, SandboxRequest{
		Language:    stringParam(input.Params, "language", ""),
		Code:        stringParam(input.Params, "code", ""),
		Args:        mapParam(input.Params, "args"),
		ExecutionID: contextString(input, "execution_id"),
		StepID:      contextString(input, "step_id"),
	})
	if err != nil {
		if _, ok := err.(*schema.OpflowError); ok {
			return nil, err
		}
		return nil, failure("sandbox", "%v", err).WithCause(err)
	}
	return jsonOutput("sandbox", out)
}
