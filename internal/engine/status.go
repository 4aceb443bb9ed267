package engine

import (
	"math"

	"github.com/rendis/opflow/pkg/schema"
)

// buildStatus assembles the read view of an execution.
func buildStatus(exe *schema.Execution, steps map[string]*schema.StepState, pendingApprovals []string) *schema.ExecutionStatus {
	terminal := 0
	outputs := make(map[string]any, len(steps))
	for id, st := range steps {
		if st.Status.IsTerminal() {
			terminal++
		}
		if st.Status == schema.StepCompleted {
			outputs[id] = st.Output
		}
	}
	progress := 0.0
	if len(steps) > 0 {
		progress = math.Round(float64(terminal)*10000/float64(len(steps))) / 100
	}
	return &schema.ExecutionStatus{
		ExecutionID:      exe.ID,
		WorkflowID:       exe.WorkflowID,
		VersionNumber:    exe.VersionNumber,
		State:            exe.State,
		Steps:            steps,
		Progress:         progress,
		PendingApprovals: pendingApprovals,
		Variables:        exe.Variables,
		Outputs:          outputs,
		Error:            exe.Error,
		StartedAt:        exe.StartedAt,
		CompletedAt:      exe.CompletedAt,
	}
}
