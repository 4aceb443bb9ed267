package actions

import (
	"context"
	"log/slog"

	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// WorkflowActionDeps holds the dependencies injected into workflow actions.
type WorkflowActionDeps struct {
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// WorkflowActions returns the workflow-scoped custom actions: emit, log and fail.
func WorkflowActions(deps WorkflowActionDeps) []Action {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return []Action{
		&workflowEmitAction{deps: deps},
		&workflowLogAction{deps: deps},
		&workflowFailAction{},
	}
}

// --- workflow.emit ---

// workflowEmitAction publishes an event on the hub. Trigger rules listening on
// the hub see it like any external event.
type workflowEmitAction struct {
	deps WorkflowActionDeps
}

func (a *workflowEmitAction) Name() string { return "workflow.emit" }

func (a *workflowEmitAction) Schema() ActionSchema {
	return ActionSchema{Description: "Publish an event that triggers can react to."}
}

func (a *workflowEmitAction) Validate(input map[string]any) error {
	if stringParam(input, "event_type", "") == "" {
		return invalidParams("workflow.emit", "missing required param 'event_type'")
	}
	return nil
}

func (a *workflowEmitAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	if a.deps.Hub == nil {
		return nil, schema.NewError(schema.ErrCodeActionUnavailable, "workflow.emit: no event hub configured")
	}

	eventType := stringParam(input.Params, "event_type", "")
	payload := mapParam(input.Params, "payload")
	if payload == nil {
		payload = map[string]any{}
	}
	err := a.deps.Hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: contextString(input, "execution_id"),
		WorkflowID:  contextString(input, "workflow_id"),
		StepID:      contextString(input, "step_id"),
		EventType:   eventType,
		Payload:     payload,
	})
	if err != nil {
		return nil, failure("workflow.emit", "publish: %v", err).WithCause(err)
	}
	return jsonOutput("workflow.emit", map[string]any{"event_type": eventType, "emitted": true})
}

// --- workflow.log ---

type workflowLogAction struct {
	deps WorkflowActionDeps
}

func (a *workflowLogAction) Name() string { return "workflow.log" }

func (a *workflowLogAction) Schema() ActionSchema {
	return ActionSchema{Description: "Write a message to the engine log."}
}

func (a *workflowLogAction) Validate(input map[string]any) error {
	if stringParam(input, "message", "") == "" {
		return invalidParams("workflow.log", "missing required param 'message'")
	}
	return nil
}

func (a *workflowLogAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	msg := stringParam(input.Params, "message", "")

	level := slog.LevelInfo
	switch stringParam(input.Params, "level", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	a.deps.Logger.Log(ctx, level, msg,
		slog.String("execution_id", contextString(input, "execution_id")),
		slog.String("step_id", contextString(input, "step_id")),
	)
	return jsonOutput("workflow.log", map[string]any{"logged": true, "message": msg})
}

// --- workflow.fail ---

// workflowFailAction fails the step without retries.
type workflowFailAction struct{}

func (a *workflowFailAction) Name() string { return "workflow.fail" }

func (a *workflowFailAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail the step immediately with a reason; never retried."}
}

func (a *workflowFailAction) Validate(map[string]any) error { return nil }

func (a *workflowFailAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	reason := stringParam(input.Params, "reason", "workflow.fail invoked")
	return nil, schema.NewError(schema.ErrCodeValidation, reason).
		WithDetails(map[string]any{"intentional": true})
}
