package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rendis/opflow/internal/approval"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

type controlOp int

const (
	opCancel controlOp = iota
	opPause
	opResume
)

type controlMsg struct {
	op    controlOp
	reply chan error
}

type stepResult struct {
	stepID  string
	outcome StepOutcome
}

// run is the state of one execution. Every field below the channels is owned
// by the loop goroutine; other goroutines talk to it through the channels and
// read the published snapshot.
type run struct {
	e     *Engine
	log   *slog.Logger
	depth int

	ctx    context.Context
	cancel context.CancelFunc

	stepDone  chan stepResult
	approvals chan *schema.ApprovalRequest
	control   chan controlMsg
	done      chan struct{}

	snap atomic.Pointer[schema.ExecutionStatus]

	exe      *schema.Execution
	dag      *DAG
	states   map[string]*schema.StepState
	outputs  map[string]any
	inflight map[string]context.CancelFunc
	pending  map[string]string // approval id -> step id
	running  int
	failed   bool
	failure  *schema.OpflowError
	finished bool
}

func newRun(e *Engine, exe *schema.Execution, dag *DAG, depth int, deadline time.Duration) *run {
	ctx := logging.WithExecution(e.baseCtx, exe.ID, exe.WorkflowID)
	var cancel context.CancelFunc
	if deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	r := &run{
		e:         e,
		log:       logging.LogWith(ctx, e.logger),
		depth:     depth,
		ctx:       ctx,
		cancel:    cancel,
		stepDone:  make(chan stepResult),
		approvals: make(chan *schema.ApprovalRequest),
		control:   make(chan controlMsg),
		done:      make(chan struct{}),
		exe:       exe,
		dag:       dag,
		states:    make(map[string]*schema.StepState, dag.Len()),
		outputs:   make(map[string]any),
		inflight:  make(map[string]context.CancelFunc),
		pending:   make(map[string]string),
	}
	for _, id := range dag.Order() {
		r.states[id] = &schema.StepState{ExecutionID: exe.ID, StepID: id, Status: schema.StepPending}
	}
	r.publish()
	return r
}

// begin moves the execution from Pending to Running before the loop starts.
func (r *run) begin() error {
	if err := checkExecutionTransition(r.exe.ID, r.exe.State, schema.ExecutionRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	state := schema.ExecutionRunning
	if err := r.e.store.UpdateExecution(r.ctx, r.exe.ID, store.ExecutionUpdate{State: &state, StartedAt: &now}); err != nil {
		return err
	}
	r.exe.State = state
	r.exe.StartedAt = &now
	r.e.metrics.ExecutionStarted()
	r.emit("", schema.EventExecutionStarted, map[string]any{
		"workflow_id":  r.exe.WorkflowID,
		"version":      r.exe.VersionNumber,
		"triggered_by": r.exe.TriggeredBy,
	})
	r.publish()
	return nil
}

func (r *run) loop() {
	defer r.e.loops.Done()

	r.advance()
	for !r.finished {
		select {
		case res := <-r.stepDone:
			r.onStepDone(res)
		case req := <-r.approvals:
			r.onApproval(req)
		case msg := <-r.control:
			msg.reply <- r.onControl(msg.op)
		case <-r.ctx.Done():
			r.onContextDone()
		}
		r.advance()
	}

	close(r.done)
	r.e.forget(r.exe.ID)
}

// advance skips unreachable steps, dispatches the ready set and checks for
// completion, then publishes a snapshot.
func (r *run) advance() {
	if !r.finished && r.exe.State == schema.ExecutionRunning {
		r.skipUnreachable()
		r.dispatchReady()
		if !r.finished {
			r.maybeFinish()
		}
	}
	r.publish()
}

// satisfied reports whether a dependency lets its dependents run.
func (r *run) satisfied(id string) bool {
	switch r.states[id].Status {
	case schema.StepCompleted, schema.StepSkipped:
		return true
	case schema.StepFailed:
		return r.dag.Step(id).ContinueOnError
	}
	return false
}

// skipUnreachable marks Pending steps whose dependencies were all skipped.
// Order is topological, so one pass reaches a fixpoint.
func (r *run) skipUnreachable() {
	for _, id := range r.dag.order {
		if r.states[id].Status != schema.StepPending {
			continue
		}
		deps := r.dag.Dependencies(id)
		if len(deps) == 0 {
			continue
		}
		all := true
		for _, dep := range deps {
			if r.states[dep].Status != schema.StepSkipped {
				all = false
				break
			}
		}
		if all {
			r.setStep(id, schema.StepSkipped, map[string]any{"reason": "all dependencies skipped"})
		}
	}
}

func (r *run) dispatchReady() {
	statuses := make(map[string]schema.StepStatus, len(r.states))
	for id, st := range r.states {
		statuses[id] = st.Status
	}

	limit := r.e.cfg.MaxStepsPerExecution
	for _, id := range r.dag.ReadySet(statuses, r.satisfied) {
		if r.finished {
			return
		}
		if r.states[id].Status != schema.StepPending {
			continue
		}
		step := r.dag.Step(id)
		if step.EffectiveType() == schema.StepTypeApproval {
			r.requestApproval(step)
			continue
		}
		if limit > 0 && r.running >= limit {
			continue
		}
		r.launch(step)
	}
}

// launch hands a step to the worker pool. The task reports back on stepDone.
// Sub-workflow steps run outside the pool: they only wait on the child, whose
// own steps need pool slots.
func (r *run) launch(step *schema.StepDefinition) {
	id := step.ID
	r.setStep(id, schema.StepReady, nil)
	now := time.Now().UTC()
	r.states[id].StartedAt = &now
	r.setStep(id, schema.StepRunning, map[string]any{"type": string(step.EffectiveType())})

	stepCtx, cancel := context.WithCancel(logging.WithStepID(r.ctx, id))
	r.inflight[id] = cancel
	r.running++

	req := StepRequest{
		ExecutionID: r.exe.ID,
		WorkflowID:  r.exe.WorkflowID,
		Step:        step,
		Scope:       r.scope(),
		Depth:       r.depth,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			r.retrying(stepCtx, id, attempt, delay, err)
		},
	}

	go func() {
		var out StepOutcome
		var err error
		if step.EffectiveType() == schema.StepTypeSubWorkflow {
			out = r.e.steps.Execute(stepCtx, req)
			err = out.Err
		} else {
			err = r.e.pool.Do(stepCtx, func(ctx context.Context) error {
				out = r.e.steps.Execute(ctx, req)
				return out.Err
			})
		}
		if err != nil && out.Err == nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrPoolShutdown) {
				out.Err = cancelled(id, err)
			} else {
				out.Err = schema.NewError(schema.ErrCodeCore, err.Error()).WithStep(id).WithCause(err)
			}
		}
		select {
		case r.stepDone <- stepResult{stepID: id, outcome: out}:
		case <-r.done:
		}
	}()
}

// retrying runs on the worker goroutine; it only touches goroutine-safe collaborators.
func (r *run) retrying(ctx context.Context, id string, attempt int, delay time.Duration, err error) {
	logging.LogWith(ctx, r.e.logger).WarnContext(ctx, "step attempt failed, retrying",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
	r.emit(id, schema.EventStepRetrying, map[string]any{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
		"error":    err.Error(),
	})
}

// scope is the read-only data steps resolve references and conditions against.
func (r *run) scope() map[string]any {
	return map[string]any{
		"input": r.exe.Input,
		"vars":  maps.Clone(r.exe.Variables),
		"steps": maps.Clone(r.outputs),
	}
}

func (r *run) onStepDone(res stepResult) {
	id := res.stepID
	if cancel, ok := r.inflight[id]; ok {
		cancel()
		delete(r.inflight, id)
		r.running--
	}
	st := r.states[id]
	if st.Status != schema.StepRunning {
		return
	}
	st.Attempts = res.outcome.Attempts

	if res.outcome.Err != nil {
		r.fail(id, asOpflowError(res.outcome.Err, id), false)
		return
	}
	r.complete(id, res.outcome.Output)
	if step := r.dag.Step(id); step.EffectiveType() == schema.StepTypeConditional {
		r.applyBranch(step, res.outcome.Output)
	}
}

func (r *run) complete(id string, output any) {
	st := r.states[id]
	st.Output = output
	r.outputs[id] = output
	r.setStep(id, schema.StepCompleted, map[string]any{"attempts": st.Attempts})
}

// fail records a failed step and applies the failure policy: continue_on_error
// lets dependents run; otherwise descendants become DependencyFailed, and the
// execution is marked failed unless an approval failure is scoped to its branch.
func (r *run) fail(id string, oe *schema.OpflowError, fromApproval bool) {
	st := r.states[id]
	st.Error = oe
	r.setStep(id, schema.StepFailed, map[string]any{"attempts": st.Attempts, "error": oe})
	r.log.Warn("step failed", slog.String("step_id", id), slog.String("code", oe.Code), slog.String("error", oe.Message))

	if r.dag.Step(id).ContinueOnError {
		r.outputs[id] = nil
		return
	}
	r.cascade(id)
	if fromApproval && r.e.cfg.ApprovalFailure == FailBranch {
		return
	}
	r.failed = true
	if r.failure == nil {
		r.failure = oe
	}
	if r.e.cfg.FailFast {
		r.abort(schema.ExecutionFailed, r.failure)
	}
}

// cascade marks every not-yet-started descendant of id as DependencyFailed.
func (r *run) cascade(id string) {
	for _, d := range r.dag.Descendants(id) {
		st := r.states[d]
		if st.Status != schema.StepPending {
			continue
		}
		st.Error = schema.NewErrorf(schema.ErrCodeDependencyFailed, "dependency %s failed", id).WithStep(d)
		r.setStep(d, schema.StepDependencyFailed, map[string]any{"failed_dependency": id})
	}
}

// applyBranch skips the steps of the branch the condition did not take.
func (r *run) applyBranch(step *schema.StepDefinition, output any) {
	cfg := step.Condition
	if cfg == nil {
		return
	}
	untaken := cfg.Else
	if m, ok := output.(map[string]any); ok && m["branch"] == "else" {
		untaken = cfg.Then
	}
	for _, id := range untaken {
		if st, ok := r.states[id]; ok && st.Status == schema.StepPending {
			r.setStep(id, schema.StepSkipped, map[string]any{"reason": "branch not taken", "condition": step.ID})
		}
	}
}

// requestApproval suspends an approval step on the gate. It holds no worker slot.
func (r *run) requestApproval(step *schema.StepDefinition) {
	id := step.ID
	r.setStep(id, schema.StepReady, nil)

	cfg := step.Approval
	if cfg == nil {
		cfg = &schema.ApprovalConfig{}
	}
	timeout, err := schema.ParseDuration(cfg.Timeout, 0)
	if err != nil {
		r.fail(id, asOpflowError(err, id), true)
		return
	}
	title := cfg.Title
	if title == "" {
		title = step.DisplayName()
	}

	req, err := r.e.gate.Request(r.ctx, approval.RequestSpec{
		ExecutionID:          r.exe.ID,
		WorkflowID:           r.exe.WorkflowID,
		StepID:               id,
		Title:                title,
		Description:          cfg.Description,
		Timeout:              timeout,
		Approvers:            cfg.Approvers,
		NotificationChannels: cfg.NotificationChannels,
		Context:              map[string]any{"input": r.exe.Input, "steps": maps.Clone(r.outputs)},
	})
	if err != nil {
		r.fail(id, asOpflowError(err, id), true)
		return
	}

	r.pending[req.ID] = id
	st := r.states[id]
	st.ApprovalID = req.ID
	now := time.Now().UTC()
	st.StartedAt = &now
	payload := map[string]any{"approval_id": req.ID, "title": title}
	if req.ExpiresAt != nil {
		payload["expires_at"] = req.ExpiresAt
	}
	if len(req.Approvers) > 0 {
		payload["approvers"] = req.Approvers
	}
	r.setStep(id, schema.StepAwaitingApproval, payload)
}

func (r *run) onApproval(req *schema.ApprovalRequest) {
	id, ok := r.pending[req.ID]
	if !ok {
		return
	}
	delete(r.pending, req.ID)
	if r.states[id].Status != schema.StepAwaitingApproval {
		return
	}

	payload := map[string]any{
		"approval_id": req.ID,
		"status":      string(req.Status),
		"resolved_by": req.ResolvedBy,
		"comment":     req.Comment,
	}
	switch req.Status {
	case schema.ApprovalApproved:
		r.emit(id, schema.EventApprovalResolved, payload)
		r.complete(id, map[string]any{
			"approval_id": req.ID,
			"decision":    string(schema.DecisionApproved),
			"approved_by": req.ResolvedBy,
			"comment":     req.Comment,
		})
	case schema.ApprovalRejected:
		r.emit(id, schema.EventApprovalResolved, payload)
		r.fail(id, schema.NewErrorf(schema.ErrCodeApprovalDenied, "approval %s rejected by %s", req.ID, req.ResolvedBy).
			WithStep(id).WithDetails(payload), true)
	case schema.ApprovalExpired:
		r.emit(id, schema.EventApprovalExpired, payload)
		r.fail(id, schema.NewErrorf(schema.ErrCodeApprovalTimeout, "approval %s expired", req.ID).
			WithStep(id).WithDetails(payload), true)
	}
}

func (r *run) onControl(op controlOp) error {
	state := r.exe.State
	if state.IsTerminal() {
		return notRunning(r.exe.ID, state)
	}
	switch op {
	case opCancel:
		r.abort(schema.ExecutionCancelled, schema.NewError(schema.ErrCodeCancelled, "execution cancelled"))
		return nil
	case opPause:
		if state != schema.ExecutionRunning {
			return notRunning(r.exe.ID, state)
		}
		return r.setState(schema.ExecutionPaused, schema.EventExecutionPaused)
	case opResume:
		switch state {
		case schema.ExecutionPaused:
			return r.setState(schema.ExecutionRunning, schema.EventExecutionResumed)
		case schema.ExecutionRunning:
			return schema.NewErrorf(schema.ErrCodeAlreadyRunning, "execution %s is already running", r.exe.ID).
				WithDetails(map[string]any{"execution_id": r.exe.ID, "state": string(state)})
		default:
			return notRunning(r.exe.ID, state)
		}
	}
	return nil
}

// onContextDone handles the workflow deadline and engine shutdown.
func (r *run) onContextDone() {
	if r.e.closed.Load() {
		r.abort(schema.ExecutionCancelled, schema.NewError(schema.ErrCodeCancelled, "engine shut down"))
		return
	}
	r.abort(schema.ExecutionFailed, schema.NewErrorf(schema.ErrCodeTimeout,
		"execution exceeded its %s timeout", r.exe.Definition.Timeout))
}

// abort signals in-flight steps, cancels every non-terminal step, expires
// pending approvals and ends the execution in state.
func (r *run) abort(state schema.ExecutionState, oe *schema.OpflowError) {
	for id, cancel := range r.inflight {
		cancel()
		delete(r.inflight, id)
	}
	r.running = 0
	for _, id := range r.dag.order {
		if !r.states[id].Status.IsTerminal() {
			r.setStep(id, schema.StepCancelled, nil)
		}
	}
	if len(r.pending) > 0 {
		if _, err := r.e.gate.ExpireForExecution(context.WithoutCancel(r.ctx), r.exe.ID); err != nil {
			r.log.Warn("expire approvals", slog.String("error", err.Error()))
		}
		clear(r.pending)
	}
	r.finish(state, oe)
}

// maybeFinish ends the execution once nothing is running or awaiting approval.
func (r *run) maybeFinish() {
	if r.running > 0 || len(r.pending) > 0 {
		return
	}
	for _, st := range r.states {
		if !st.Status.IsTerminal() {
			r.abort(schema.ExecutionFailed, schema.NewErrorf(schema.ErrCodeCore,
				"execution stalled: step %s can never become ready", st.StepID))
			return
		}
	}
	if r.failed {
		r.finish(schema.ExecutionFailed, r.failure)
		return
	}
	r.finish(schema.ExecutionCompleted, nil)
}

func (r *run) finish(state schema.ExecutionState, oe *schema.OpflowError) {
	if err := checkExecutionTransition(r.exe.ID, r.exe.State, state); err != nil {
		r.log.Error("finish execution", slog.String("error", err.Error()))
	}
	now := time.Now().UTC()
	r.exe.State = state
	r.exe.Error = oe
	r.exe.CompletedAt = &now
	r.exe.UpdatedAt = now

	err := r.e.store.UpdateExecution(context.WithoutCancel(r.ctx), r.exe.ID, store.ExecutionUpdate{
		State:       &state,
		Variables:   r.exe.Variables,
		Error:       oe,
		CompletedAt: &now,
	})
	if err != nil {
		r.log.Error("persist execution result", slog.String("error", err.Error()))
	}

	payload := map[string]any{}
	if r.exe.StartedAt != nil {
		payload["duration_ms"] = now.Sub(*r.exe.StartedAt).Milliseconds()
	}
	if oe != nil {
		payload["error"] = oe
	}
	r.emit("", executionEventType(state), payload)
	r.e.metrics.ExecutionFinished(string(state))

	r.finished = true
	r.cancel()

	attrs := []any{slog.String("state", string(state))}
	if oe != nil {
		attrs = append(attrs, slog.String("code", oe.Code), slog.String("error", oe.Message))
	}
	r.log.Info("execution finished", attrs...)
}

// setState handles the externally requested pause and resume transitions.
func (r *run) setState(to schema.ExecutionState, eventType string) error {
	if err := checkExecutionTransition(r.exe.ID, r.exe.State, to); err != nil {
		return err
	}
	if err := r.e.store.UpdateExecution(r.ctx, r.exe.ID, store.ExecutionUpdate{State: &to}); err != nil {
		return err
	}
	r.exe.State = to
	r.exe.UpdatedAt = time.Now().UTC()
	r.emit("", eventType, nil)
	r.log.Info("execution state changed", slog.String("state", string(to)))
	return nil
}

// setStep applies a validated step transition, persists it and emits its event.
func (r *run) setStep(id string, to schema.StepStatus, payload map[string]any) bool {
	st := r.states[id]
	if err := checkStepTransition(id, st.Status, to); err != nil {
		r.log.Error("step transition rejected", slog.String("error", err.Error()))
		return false
	}
	st.Status = to

	if to.IsTerminal() {
		now := time.Now().UTC()
		st.CompletedAt = &now
		var d time.Duration
		if st.StartedAt != nil {
			d = now.Sub(*st.StartedAt)
		}
		r.e.metrics.StepFinished(string(r.dag.Step(id).EffectiveType()), string(to), d)
	}
	r.persistStep(id)
	if eventType := stepEventType(to); eventType != "" {
		r.emit(id, eventType, payload)
	}
	return true
}

func (r *run) persistStep(id string) {
	if err := r.e.store.UpsertStepState(context.WithoutCancel(r.ctx), r.states[id]); err != nil {
		r.log.Warn("persist step state", slog.String("step_id", id), slog.String("error", err.Error()))
	}
}

// emit appends a lifecycle event to the event log and publishes it on the hub.
// It is safe to call from step goroutines.
func (r *run) emit(stepID, eventType string, payload map[string]any) {
	ctx := context.WithoutCancel(r.ctx)
	var raw json.RawMessage
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			r.log.Warn("encode event payload", slog.String("type", eventType), slog.String("error", err.Error()))
		} else {
			raw = b
		}
	}

	if err := r.e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: r.exe.ID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
	}); err != nil {
		r.log.Warn("append event", slog.String("type", eventType), slog.String("error", err.Error()))
	}

	var body any
	if payload != nil {
		body = payload
	}
	if err := r.e.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: r.exe.ID,
		WorkflowID:  r.exe.WorkflowID,
		StepID:      stepID,
		EventType:   eventType,
		Payload:     body,
	}); err != nil {
		r.log.Warn("publish event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

// publish stores an immutable snapshot for readers outside the loop.
func (r *run) publish() {
	steps := make(map[string]*schema.StepState, len(r.states))
	for id, st := range r.states {
		cp := *st
		steps[id] = &cp
	}
	exe := *r.exe
	exe.Variables = maps.Clone(r.exe.Variables)

	pending := make([]string, 0, len(r.pending))
	for id := range r.pending {
		pending = append(pending, id)
	}
	sort.Strings(pending)
	r.snap.Store(buildStatus(&exe, steps, pending))
}

func (r *run) status() *schema.ExecutionStatus { return r.snap.Load() }

func (r *run) finalState() schema.ExecutionState { return r.snap.Load().State }

// asOpflowError normalizes any error into an OpflowError carrying stepID.
func asOpflowError(err error, stepID string) *schema.OpflowError {
	var oe *schema.OpflowError
	if errors.As(err, &oe) {
		if oe.StepID == "" {
			oe.StepID = stepID
		}
		return oe
	}
	return schema.NewError(schema.ErrCodeStepExecutionFailed, err.Error()).WithStep(stepID).WithCause(err)
}
