package actions

import (
	"context"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// WaitAction implements the "wait" action kind: it sleeps for params.duration
// and stops early when the step is cancelled or times out.
type WaitAction struct{}

func (WaitAction) Name() string { return schema.ActionKindWait }

func (WaitAction) Schema() ActionSchema {
	return ActionSchema{Description: "Pause the step for a fixed duration."}
}

func (WaitAction) Validate(input map[string]any) error {
	d, err := durationParam(input, "duration", 0)
	if err != nil {
		return err
	}
	if d <= 0 {
		return invalidParams("wait", "duration must be positive")
	}
	return nil
}

func (a WaitAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	d, _ := durationParam(input.Params, "duration", 0)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return jsonOutput("wait", map[string]any{"waited_ms": d.Milliseconds()})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
