package schema

// Lifecycle event types emitted to the event log and the event sink.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
	EventExecutionPaused    = "execution.paused"
	EventExecutionResumed   = "execution.resumed"

	EventStepStarted          = "step.started"
	EventStepRetrying         = "step.retrying"
	EventStepCompleted        = "step.completed"
	EventStepFailed           = "step.failed"
	EventStepSkipped          = "step.skipped"
	EventStepDependencyFailed = "step.dependency_failed"
	EventStepCancelled        = "step.cancelled"

	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventApprovalExpired   = "approval.expired"

	EventWorkflowCreated   = "workflow.created"
	EventWorkflowPublished = "workflow.published"

	EventCircuitBreakerOpen     = "circuit_breaker.open"
	EventCircuitBreakerHalfOpen = "circuit_breaker.half_open"
	EventCircuitBreakerClosed   = "circuit_breaker.closed"
)

// ExecutionState is the lifecycle state of one execution.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionRunning   ExecutionState = "running"
	ExecutionPaused    ExecutionState = "paused"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionCancelled ExecutionState = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the lifecycle state of a step within an execution.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepReady            StepStatus = "ready"
	StepRunning          StepStatus = "running"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
	StepDependencyFailed StepStatus = "dependency_failed"
	StepCancelled        StepStatus = "cancelled"
	StepAwaitingApproval StepStatus = "awaiting_approval"
	StepSkipped          StepStatus = "skipped"
)

// IsTerminal reports whether the step can no longer change state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepDependencyFailed, StepCancelled, StepSkipped:
		return true
	}
	return false
}
