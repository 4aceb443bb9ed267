package engine

import (
	"slices"

	"github.com/rendis/opflow/pkg/schema"
)

// executionTransitions lists the allowed execution state changes.
var executionTransitions = map[schema.ExecutionState][]schema.ExecutionState{
	schema.ExecutionPending: {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning: {schema.ExecutionPaused, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionPaused:  {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
}

// stepTransitions lists the allowed step state changes. Terminal states have
// no entry. Running to Running is a retry.
var stepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending: {
		schema.StepReady, schema.StepSkipped, schema.StepDependencyFailed, schema.StepCancelled,
	},
	schema.StepReady: {
		schema.StepRunning, schema.StepAwaitingApproval, schema.StepFailed, schema.StepCancelled,
	},
	schema.StepRunning: {
		schema.StepRunning, schema.StepCompleted, schema.StepFailed, schema.StepCancelled,
	},
	schema.StepAwaitingApproval: {
		schema.StepCompleted, schema.StepFailed, schema.StepCancelled,
	},
}

// checkExecutionTransition returns INVALID_TRANSITION for a disallowed change.
func checkExecutionTransition(executionID string, from, to schema.ExecutionState) error {
	if slices.Contains(executionTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// checkStepTransition returns INVALID_TRANSITION for a disallowed change.
func checkStepTransition(stepID string, from, to schema.StepStatus) error {
	if slices.Contains(stepTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStep(stepID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func executionEventType(to schema.ExecutionState) string {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	case schema.ExecutionPaused:
		return schema.EventExecutionPaused
	}
	return ""
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepRunning:
		return schema.EventStepStarted
	case schema.StepCompleted:
		return schema.EventStepCompleted
	case schema.StepFailed:
		return schema.EventStepFailed
	case schema.StepSkipped:
		return schema.EventStepSkipped
	case schema.StepDependencyFailed:
		return schema.EventStepDependencyFailed
	case schema.StepCancelled:
		return schema.EventStepCancelled
	case schema.StepAwaitingApproval:
		return schema.EventApprovalRequested
	}
	return ""
}
