package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/opflow/internal/actions"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/pkg/schema"
)

// subflowRunner starts and awaits child executions for sub_workflow steps.
type subflowRunner interface {
	startChild(ctx context.Context, parent StepRequest, workflowID string, input map[string]any) (string, error)
	awaitChild(ctx context.Context, executionID string) (*schema.ExecutionStatus, error)
}

// StepRequest is one step to execute with everything it may reference.
type StepRequest struct {
	ExecutionID string
	WorkflowID  string
	Step        *schema.StepDefinition
	// Scope is {input, vars, steps}; it is read-only for the executor.
	Scope map[string]any
	Depth int
	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// StepOutcome is the result of all attempts of one step.
type StepOutcome struct {
	Output   any
	Attempts int
	Err      error
	Duration time.Duration
}

// StepExecutor runs one step's payload under its retry and timeout policy.
type StepExecutor struct {
	actions        *actions.Registry
	resolver       *expressions.Resolver
	engines        *expressions.Engines
	breakers       *CircuitBreakerRegistry
	subflows       subflowRunner
	metrics        *metrics.Metrics
	defaultTimeout time.Duration
	randN          func(int64) int64
}

// Execute runs attempts until one succeeds, a non-retryable error occurs,
// max attempts are exhausted or ctx ends. Exhaustion yields
// STEP_EXECUTION_FAILED wrapping the last error.
func (x *StepExecutor) Execute(ctx context.Context, req StepRequest) StepOutcome {
	start := time.Now()
	step := req.Step

	policy, err := parseBackoff(step.Retry)
	if err != nil {
		return StepOutcome{Err: err.(*schema.OpflowError).WithStep(step.ID), Duration: time.Since(start)}
	}
	timeout, err := schema.ParseDuration(step.Timeout, x.defaultTimeout)
	if err != nil {
		return StepOutcome{Err: err.(*schema.OpflowError).WithStep(step.ID), Duration: time.Since(start)}
	}

	var lastErr error
	attempt := 0
	for attempt < policy.maxAttempts {
		attempt++
		x.metrics.StepAttempt()

		out, err := x.runAttempt(ctx, req, timeout)
		if err == nil {
			return StepOutcome{Output: out, Attempts: attempt, Duration: time.Since(start)}
		}
		lastErr = err

		if ctx.Err() != nil {
			return StepOutcome{Attempts: attempt, Err: cancelled(step.ID, ctx.Err()), Duration: time.Since(start)}
		}
		if !IsRetryableError(err) || attempt == policy.maxAttempts {
			break
		}

		delay := policy.delay(attempt, x.randN)
		if req.OnRetry != nil {
			req.OnRetry(attempt, delay, err)
		}
		if err := WaitForBackoff(ctx, delay); err != nil {
			return StepOutcome{Attempts: attempt, Err: cancelled(step.ID, err), Duration: time.Since(start)}
		}
	}

	return StepOutcome{
		Attempts: attempt,
		Err:      schema.StepExecutionFailed(step.ID, lastErr.Error(), attempt, lastErr),
		Duration: time.Since(start),
	}
}

// runAttempt executes one attempt under the per-attempt timeout.
func (x *StepExecutor) runAttempt(ctx context.Context, req StepRequest, timeout time.Duration) (any, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := x.dispatch(attemptCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "attempt exceeded %s", timeout).
			WithStep(req.Step.ID).WithCause(err)
	}
	return out, err
}

func (x *StepExecutor) dispatch(ctx context.Context, req StepRequest) (any, error) {
	step := req.Step
	switch step.EffectiveType() {
	case schema.StepTypeAction:
		return x.runAction(ctx, req, step.Action)
	case schema.StepTypeParallel:
		return x.runParallel(ctx, req)
	case schema.StepTypeConditional:
		return x.runCondition(ctx, req)
	case schema.StepTypeSubWorkflow:
		return x.runSubWorkflow(ctx, req)
	case schema.StepTypeApproval:
		return nil, schema.NewError(schema.ErrCodeCore, "approval steps are handled by the approval gate").WithStep(step.ID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "unknown step type %q", step.Type).WithStep(step.ID)
	}
}

// guarded reports whether calls to an action kind go through a circuit breaker.
func guarded(kind string) bool {
	switch kind {
	case schema.ActionKindHTTP, schema.ActionKindSandbox, schema.ActionKindCustom:
		return true
	}
	return false
}

func (x *StepExecutor) runAction(ctx context.Context, req StepRequest, payload *schema.ActionPayload) (any, error) {
	action, err := x.actions.Resolve(payload)
	if err != nil {
		return nil, err
	}
	params, err := x.resolver.Resolve(ctx, payload.Params, req.Scope)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := action.Validate(params); err != nil {
		return nil, err
	}

	name := payload.ActionName()
	if guarded(payload.Kind) {
		if err := x.breakers.Allow(name); err != nil {
			return nil, err
		}
	}

	out, err := action.Execute(ctx, actions.ActionInput{
		Params: params,
		Context: map[string]any{
			"execution_id": req.ExecutionID,
			"workflow_id":  req.WorkflowID,
			"step_id":      req.Step.ID,
		},
	})
	if guarded(payload.Kind) {
		switch {
		case err == nil:
			x.breakers.Success(name)
		case ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded):
			x.breakers.Failure(name, err)
		}
	}
	if err != nil {
		return nil, err
	}

	v, err := out.Decode()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSerialization, "decode output of action %q", name).WithCause(err)
	}
	return v, nil
}

// runParallel runs every action of the group concurrently. Outputs keep the
// declared order. With fail_fast the first error cancels the siblings;
// otherwise all actions finish and the first error by position is returned.
func (x *StepExecutor) runParallel(ctx context.Context, req StepRequest) (any, error) {
	cfg := req.Step.Parallel
	outputs := make([]any, len(cfg.Actions))
	errs := make([]error, len(cfg.Actions))

	g, gctx := errgroup.WithContext(ctx)
	if !cfg.FailFast {
		g = &errgroup.Group{}
		gctx = ctx
	}
	for i := range cfg.Actions {
		payload := &cfg.Actions[i]
		g.Go(func() error {
			out, err := x.runAction(gctx, req, payload)
			outputs[i], errs[i] = out, err
			return err
		})
	}
	firstErr := g.Wait()

	if !cfg.FailFast {
		for _, err := range errs {
			if err != nil {
				firstErr = err
				break
			}
		}
	}
	if firstErr != nil {
		failed := 0
		for _, err := range errs {
			if err != nil {
				failed++
			}
		}
		var oe *schema.OpflowError
		if errors.As(firstErr, &oe) && !oe.IsRetryable() {
			return nil, firstErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepExecutionFailed,
			"%d of %d parallel actions failed", failed, len(cfg.Actions)).
			WithStep(req.Step.ID).WithCause(firstErr)
	}
	return outputs, nil
}

// runCondition evaluates the branch expression. The loop skips the untaken branch.
func (x *StepExecutor) runCondition(ctx context.Context, req StepRequest) (any, error) {
	cfg := req.Step.Condition
	ok, err := x.engines.EvaluateBool(ctx, cfg.Engine, cfg.Expression, req.Scope)
	if err != nil {
		return nil, err
	}
	branch := "else"
	if ok {
		branch = "then"
	}
	return map[string]any{"result": ok, "branch": branch}, nil
}

// runSubWorkflow starts the child and, unless no_wait, blocks until it is terminal.
// A child that does not complete fails the attempt.
func (x *StepExecutor) runSubWorkflow(ctx context.Context, req StepRequest) (any, error) {
	cfg := req.Step.SubWorkflow
	input, err := x.resolver.Resolve(ctx, cfg.Input, req.Scope)
	if err != nil {
		return nil, err
	}

	childID, err := x.subflows.startChild(ctx, req, cfg.WorkflowID, input)
	if err != nil {
		return nil, err
	}
	if cfg.NoWait {
		return map[string]any{"execution_id": childID}, nil
	}

	status, err := x.subflows.awaitChild(ctx, childID)
	if err != nil {
		return nil, err
	}
	if status.State != schema.ExecutionCompleted {
		e := schema.NewErrorf(schema.ErrCodeStepExecutionFailed,
			"sub-workflow %s execution %s ended %s", cfg.WorkflowID, childID, status.State).
			WithStep(req.Step.ID).
			WithDetails(map[string]any{"child_execution_id": childID, "child_state": string(status.State)})
		if status.Error != nil {
			e = e.WithCause(status.Error)
		}
		return nil, e
	}
	return map[string]any{"execution_id": childID, "outputs": status.Outputs}, nil
}

func cancelled(stepID string, cause error) *schema.OpflowError {
	return schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithStep(stepID).WithCause(cause)
}
