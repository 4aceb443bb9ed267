package schema

import "time"

// Execution is the persisted record of one workflow run.
type Execution struct {
	ID            string             `json:"id"`
	WorkflowID    string             `json:"workflow_id"`
	VersionNumber int                `json:"version_number"`
	Definition    WorkflowDefinition `json:"definition"` // pinned copy
	State         ExecutionState     `json:"state"`
	Input         map[string]any     `json:"input,omitempty"`
	Variables     map[string]any     `json:"variables,omitempty"`
	Error         *OpflowError       `json:"error,omitempty"`
	ParentID      string             `json:"parent_id,omitempty"`
	TriggeredBy   string             `json:"triggered_by,omitempty"` // manual | schedule:<id> | trigger:<id> | parent:<id>
	CreatedAt     time.Time          `json:"created_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// StepState is the per-step record of an execution.
type StepState struct {
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	Output      any            `json:"output,omitempty"`
	Error       *OpflowError   `json:"error,omitempty"`
	ApprovalID  string         `json:"approval_id,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// ExecutionStatus is the read-only view returned by status queries.
type ExecutionStatus struct {
	ExecutionID      string                `json:"execution_id"`
	WorkflowID       string                `json:"workflow_id"`
	VersionNumber    int                   `json:"version_number"`
	State            ExecutionState        `json:"state"`
	Steps            map[string]*StepState `json:"steps"`
	Progress         float64               `json:"progress"` // percent of steps in a terminal state
	PendingApprovals []string              `json:"pending_approvals,omitempty"`
	Variables        map[string]any        `json:"variables,omitempty"`
	Outputs          map[string]any        `json:"outputs,omitempty"` // completed step outputs by step id
	Error            *OpflowError          `json:"error,omitempty"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	WorkflowID string
	State      ExecutionState
	Limit      int
}
