// Package engine runs workflow executions: it validates definitions into
// DAGs, drives one event loop per execution and dispatches steps to the step
// executor or the approval gate.
package engine

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/actions"
	"github.com/rendis/opflow/internal/approval"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/internal/versioning"
	"github.com/rendis/opflow/pkg/schema"
)

// ApprovalFailureScope decides what a denied or expired approval fails.
type ApprovalFailureScope string

const (
	FailExecution ApprovalFailureScope = "fail_execution"
	FailBranch    ApprovalFailureScope = "fail_branch"
)

// Defaults applied by New.
const (
	DefaultPoolSize        = 10
	DefaultMaxSubflowDepth = 8
)

// Deps are the collaborators of an Engine. Only Store is required.
type Deps struct {
	Store    store.Store
	Actions  *actions.Registry
	Gate     *approval.Gate
	Versions *versioning.Manager
	Hub      streaming.EventHub
	Engines  *expressions.Engines
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Config tunes execution behavior.
type Config struct {
	// PoolSize bounds concurrently running steps across all executions.
	PoolSize int
	// MaxStepsPerExecution bounds running steps within one execution; 0 is unbounded.
	MaxStepsPerExecution int
	// DefaultStepTimeout applies to steps without a timeout; 0 means none.
	DefaultStepTimeout time.Duration
	// FailFast stops an execution at its first step failure.
	FailFast bool
	// ApprovalFailure defaults to FailExecution.
	ApprovalFailure ApprovalFailureScope
	// MaxSubflowDepth bounds sub_workflow nesting.
	MaxSubflowDepth int
	// CircuitBreaker nil uses DefaultCircuitBreakerConfig.
	CircuitBreaker *CircuitBreakerConfig
}

// Engine owns every running execution in the process.
type Engine struct {
	store     store.Store
	actions   *actions.Registry
	gate      *approval.Gate
	ownsGate  bool
	versions  *versioning.Manager
	hub       streaming.EventHub
	engines   *expressions.Engines
	validator *validation.WorkflowValidator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config

	pool     *WorkerPool
	breakers *CircuitBreakerRegistry
	steps    *StepExecutor

	baseCtx context.Context
	stop    context.CancelFunc
	closed  atomic.Bool
	loops   sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*run
}

// New wires an Engine. Missing optional collaborators get in-process defaults:
// a memory hub, all expression engines, the built-in actions, and a gate and
// version manager over the store.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.ApprovalFailure == "" {
		cfg.ApprovalFailure = FailExecution
	}
	if cfg.MaxSubflowDepth <= 0 {
		cfg.MaxSubflowDepth = DefaultMaxSubflowDepth
	}

	e := &Engine{
		store:    deps.Store,
		actions:  deps.Actions,
		gate:     deps.Gate,
		versions: deps.Versions,
		hub:      deps.Hub,
		engines:  deps.Engines,
		metrics:  deps.Metrics,
		logger:   logger,
		cfg:      cfg,
		pool:     NewWorkerPool(cfg.PoolSize),
		runs:     make(map[string]*run),
	}

	if e.hub == nil {
		e.hub = streaming.NewMemoryHub()
	}
	if e.engines == nil {
		engines, err := expressions.NewEngines()
		if err != nil {
			return nil, err
		}
		e.engines = engines
	}
	if e.actions == nil {
		e.actions = actions.NewRegistry()
		if err := actions.RegisterBuiltins(e.actions, actions.BuiltinConfig{
			Engines: e.engines,
			Hub:     e.hub,
			Logger:  logger,
		}); err != nil {
			return nil, err
		}
	}
	if e.gate == nil {
		e.gate = approval.NewGate(deps.Store, logger, deps.Metrics)
		e.ownsGate = true
	}
	if e.versions == nil {
		e.versions = versioning.NewManager(deps.Store, logger)
	}

	validator, err := validation.NewWorkflowValidator(e.actions, e.engines)
	if err != nil {
		return nil, err
	}
	e.validator = validator

	cbCfg := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbCfg = *cfg.CircuitBreaker
	}
	e.breakers = NewCircuitBreakerRegistry(cbCfg)
	e.breakers.OnStateChange(e.onCircuitChange)

	e.steps = &StepExecutor{
		actions:        e.actions,
		resolver:       expressions.NewResolver(e.engines.JQ),
		engines:        e.engines,
		breakers:       e.breakers,
		subflows:       e,
		metrics:        deps.Metrics,
		defaultTimeout: cfg.DefaultStepTimeout,
		randN:          randInt64N,
	}

	e.baseCtx, e.stop = context.WithCancel(context.Background())
	e.gate.Subscribe(e.routeApproval)
	return e, nil
}

// Actions exposes the action registry so callers can register handlers.
func (e *Engine) Actions() *actions.Registry { return e.actions }

// Gate exposes the approval gate.
func (e *Engine) Gate() *approval.Gate { return e.gate }

// Versions exposes the version manager.
func (e *Engine) Versions() *versioning.Manager { return e.versions }

// Hub exposes the event hub lifecycle events are published on.
func (e *Engine) Hub() streaming.EventHub { return e.hub }

// Validate runs definition validation and DAG construction without storing anything.
func (e *Engine) Validate(def *schema.WorkflowDefinition) (*schema.ValidationResult, error) {
	result := e.validator.Validate(def)
	if !result.Valid() {
		return result, result.ToErrorCode(schema.ErrCodeInvalidDefinition)
	}
	if _, err := BuildDAG(def); err != nil {
		result.AddError("steps", schema.ErrCodeDagValidation, err.Error())
		return result, err
	}
	return result, nil
}

// CreateWorkflow validates def, stores it and publishes it as version 1.
// An empty id is assigned a "wf_" id.
func (e *Engine) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeInvalidDefinition, "workflow definition is nil")
	}
	def, err := def.Clone()
	if err != nil {
		return "", err
	}
	if def.ID == "" {
		def.ID = "wf_" + uuid.NewString()
	}
	if _, err := e.Validate(def); err != nil {
		return "", err
	}

	v, err := e.versions.PublishInitial(ctx, def, author(def), "initial version")
	if err != nil {
		return "", err
	}
	e.publishLifecycle(ctx, schema.EventWorkflowCreated, def.ID, v)
	return def.ID, nil
}

// UpdateWorkflow validates def and publishes it as the next version of an
// existing workflow. Running executions keep their pinned version.
func (e *Engine) UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowVersion, error) {
	if def == nil || def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "update requires a workflow id")
	}
	if _, err := e.versions.Active(ctx, def.ID); err != nil {
		return nil, err
	}
	def, err := def.Clone()
	if err != nil {
		return nil, err
	}
	if _, err := e.Validate(def); err != nil {
		return nil, err
	}
	v, err := e.versions.Publish(ctx, def, author(def), "")
	if err != nil {
		return nil, err
	}
	e.publishLifecycle(ctx, schema.EventWorkflowPublished, def.ID, v)
	return v, nil
}

// RollbackWorkflow re-publishes an earlier version as the new head.
func (e *Engine) RollbackWorkflow(ctx context.Context, workflowID string, number int, actor string) (*schema.WorkflowVersion, error) {
	v, err := e.versions.Rollback(ctx, workflowID, number, actor)
	if err != nil {
		return nil, err
	}
	e.publishLifecycle(ctx, schema.EventWorkflowPublished, workflowID, v)
	return v, nil
}

// GetWorkflow returns the head definition of a workflow.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (*schema.WorkflowDefinition, error) {
	return e.store.GetWorkflow(ctx, workflowID)
}

// ListWorkflows returns every head definition.
func (e *Engine) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	return e.store.ListWorkflows(ctx)
}

func author(def *schema.WorkflowDefinition) string {
	if s, ok := def.Metadata["author"].(string); ok {
		return s
	}
	return ""
}

// StartExecution launches the active version of a workflow. The definition is
// copied into the execution, so later publishes never affect it. The
// execution is Running when this returns.
func (e *Engine) StartExecution(ctx context.Context, workflowID string, input map[string]any) (string, error) {
	return e.start(ctx, workflowID, input, origin(ctx), "", 0)
}

// origin derives TriggeredBy from the correlation ids on ctx.
func origin(ctx context.Context) string {
	if id := logging.ScheduleID(ctx); id != "" {
		return "schedule:" + id
	}
	if id := logging.TriggerID(ctx); id != "" {
		return "trigger:" + id
	}
	return "manual"
}

func (e *Engine) start(ctx context.Context, workflowID string, input map[string]any, triggeredBy, parentID string, depth int) (string, error) {
	if e.closed.Load() {
		return "", schema.NewError(schema.ErrCodeNotRunning, "engine is shut down")
	}

	v, err := e.versions.Active(ctx, workflowID)
	if err != nil {
		return "", err
	}
	def, err := v.Definition.Clone()
	if err != nil {
		return "", err
	}
	dag, err := BuildDAG(def)
	if err != nil {
		return "", err
	}
	var deadline time.Duration
	if deadline, err = schema.ParseDuration(def.Timeout, 0); err != nil {
		return "", err
	}
	if input == nil {
		input = map[string]any{}
	}

	now := time.Now().UTC()
	exe := &schema.Execution{
		ID:            "exe_" + uuid.NewString(),
		WorkflowID:    workflowID,
		VersionNumber: v.Number,
		Definition:    *def,
		State:         schema.ExecutionPending,
		Input:         input,
		Variables:     initialVariables(input),
		ParentID:      parentID,
		TriggeredBy:   triggeredBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateExecution(ctx, exe); err != nil {
		return "", err
	}

	r := newRun(e, exe, dag, depth, deadline)
	for _, id := range dag.Order() {
		r.persistStep(id)
	}

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		r.cancel()
		return "", schema.NewError(schema.ErrCodeNotRunning, "engine is shut down")
	}
	e.runs[exe.ID] = r
	e.loops.Add(1)
	e.mu.Unlock()

	if err := r.begin(); err != nil {
		e.mu.Lock()
		delete(e.runs, exe.ID)
		e.mu.Unlock()
		e.loops.Done()
		r.cancel()
		return "", err
	}

	logging.LogWith(r.ctx, e.logger).InfoContext(ctx, "execution started",
		slog.Int("version", v.Number),
		slog.String("triggered_by", triggeredBy),
		slog.Int("steps", dag.Len()),
	)
	go r.loop()
	return exe.ID, nil
}

// startChild implements subflowRunner.
func (e *Engine) startChild(ctx context.Context, parent StepRequest, workflowID string, input map[string]any) (string, error) {
	if parent.Depth+1 > e.cfg.MaxSubflowDepth {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"sub-workflow nesting exceeds %d levels", e.cfg.MaxSubflowDepth).WithStep(parent.Step.ID)
	}
	return e.start(ctx, workflowID, input, "parent:"+parent.ExecutionID, parent.ExecutionID, parent.Depth+1)
}

// awaitChild implements subflowRunner. Cancelling ctx cancels the child.
func (e *Engine) awaitChild(ctx context.Context, executionID string) (*schema.ExecutionStatus, error) {
	status, err := e.Wait(ctx, executionID)
	if err != nil && ctx.Err() != nil {
		if cerr := e.Cancel(context.WithoutCancel(ctx), executionID); cerr != nil && !schema.IsCode(cerr, schema.ErrCodeNotRunning) {
			e.logger.Warn("cancel child execution", slog.String("execution_id", executionID), slog.Any("error", cerr))
		}
	}
	return status, err
}

func (e *Engine) lookup(id string) *run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs[id]
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

// GetStatus returns a consistent snapshot of an execution.
func (e *Engine) GetStatus(ctx context.Context, executionID string) (*schema.ExecutionStatus, error) {
	if r := e.lookup(executionID); r != nil {
		return r.status(), nil
	}
	exe, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	states, err := e.store.ListStepStates(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps := make(map[string]*schema.StepState, len(states))
	for _, s := range states {
		steps[s.StepID] = s
	}
	return buildStatus(exe, steps, nil), nil
}

// Wait blocks until the execution is terminal or ctx ends.
func (e *Engine) Wait(ctx context.Context, executionID string) (*schema.ExecutionStatus, error) {
	if r := e.lookup(executionID); r != nil {
		select {
		case <-r.done:
			return r.status(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.GetStatus(ctx, executionID)
}

// Cancel stops an execution. In-flight steps are signalled, every
// non-terminal step becomes Cancelled and pending approvals expire.
// A terminal execution yields NOT_RUNNING and is left untouched.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	return e.control(ctx, executionID, opCancel)
}

// Pause stops dispatching new steps; in-flight steps finish and are recorded.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	return e.control(ctx, executionID, opPause)
}

// Resume continues a paused execution.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	return e.control(ctx, executionID, opResume)
}

func (e *Engine) control(ctx context.Context, executionID string, op controlOp) error {
	r := e.lookup(executionID)
	if r == nil {
		exe, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		return notRunning(exe.ID, exe.State)
	}

	reply := make(chan error, 1)
	select {
	case r.control <- controlMsg{op: op, reply: reply}:
	case <-r.done:
		return notRunning(executionID, r.finalState())
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func notRunning(executionID string, state schema.ExecutionState) error {
	return schema.NewErrorf(schema.ErrCodeNotRunning, "execution %s is %s", executionID, state).
		WithDetails(map[string]any{"execution_id": executionID, "state": string(state)})
}

// ResolveApproval records an external decision. The owning execution reacts
// asynchronously through the gate's listener.
func (e *Engine) ResolveApproval(ctx context.Context, approvalID string, decision schema.Decision, actor, comment string) (*schema.ApprovalRequest, error) {
	return e.gate.Resolve(ctx, approvalID, decision, actor, comment)
}

// routeApproval forwards terminal approval transitions to the owning loop.
func (e *Engine) routeApproval(req *schema.ApprovalRequest) {
	r := e.lookup(req.ExecutionID)
	if r == nil {
		return
	}
	// The listener may fire from inside the loop (ExpireForExecution); never block it.
	go func() {
		select {
		case r.approvals <- req:
		case <-r.done:
		}
	}()
}

// GetExecution returns the persisted record of an execution, including its
// pinned definition.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*schema.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// ListExecutions lists persisted executions.
func (e *Engine) ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Events returns the persisted lifecycle events of an execution after seq.
func (e *Engine) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	return e.store.GetEvents(ctx, executionID, since)
}

// Running returns how many executions are live in this process.
func (e *Engine) Running() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.runs)
}

// Shutdown cancels every live execution, waits for their loops and drains the
// worker pool. Further StartExecution calls return NOT_RUNNING.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	first := e.closed.CompareAndSwap(false, true)
	e.mu.Unlock()
	if !first {
		return nil
	}

	e.stop()
	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := e.pool.Shutdown(ctx); err != nil {
		return err
	}
	if e.ownsGate {
		e.gate.Close()
	}
	e.logger.InfoContext(ctx, "engine stopped")
	return nil
}

func (e *Engine) onCircuitChange(action string, from, to CircuitState) {
	e.logger.Warn("circuit breaker state changed",
		slog.String("action", action),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	_ = e.hub.Publish(e.baseCtx, streaming.StreamEvent{
		EventType: to.EventType(),
		Payload:   e.breakers.Stats(action),
	})
}

func (e *Engine) publishLifecycle(ctx context.Context, eventType, workflowID string, v *schema.WorkflowVersion) {
	err := e.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		WorkflowID: workflowID,
		EventType:  eventType,
		Payload: map[string]any{
			"version": v.Number,
			"semver":  v.Semver(),
			"bump":    string(v.Bump),
		},
	})
	if err != nil {
		e.logger.WarnContext(ctx, "publish workflow event", slog.String("workflow_id", workflowID), slog.Any("error", err))
	}
}

// initialVariables seeds the execution variables with the input values.
func initialVariables(input map[string]any) map[string]any {
	vars := make(map[string]any, len(input))
	maps.Copy(vars, input)
	return vars
}
