package store

import (
	"context"

	"github.com/rendis/opflow/pkg/schema"
)

// DefinitionRepository persists workflow definitions and their version history.
type DefinitionRepository interface {
	SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Version history is append-only: AppendVersion fails with CONFLICT when
	// the number already exists. Only the active/deprecated flags are mutable.
	AppendVersion(ctx context.Context, v *schema.WorkflowVersion) error
	GetVersion(ctx context.Context, workflowID string, number int) (*schema.WorkflowVersion, error)
	ListVersions(ctx context.Context, workflowID string) ([]*schema.WorkflowVersion, error)
	SetActiveVersion(ctx context.Context, workflowID string, number int) error
	SetVersionDeprecated(ctx context.Context, workflowID string, number int, deprecated bool) error
}

// ExecutionRepository persists execution records and per-step state.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, exe *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error)

	UpsertStepState(ctx context.Context, state *schema.StepState) error
	ListStepStates(ctx context.Context, executionID string) ([]*schema.StepState, error)
}

// ApprovalRepository retains approval requests, including resolved ones.
type ApprovalRepository interface {
	SaveApproval(ctx context.Context, req *schema.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*schema.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter schema.ApprovalFilter) ([]*schema.ApprovalRequest, error)
}

// ScheduleRepository persists schedules across restarts.
type ScheduleRepository interface {
	CreateSchedule(ctx context.Context, s *schema.Schedule) error
	GetSchedule(ctx context.Context, id string) (*schema.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update schema.ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter schema.ScheduleFilter) ([]*schema.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// TriggerRepository persists event triggers.
type TriggerRepository interface {
	SaveTrigger(ctx context.Context, t *schema.WorkflowTrigger) error
	GetTrigger(ctx context.Context, id string) (*schema.WorkflowTrigger, error)
	ListTriggers(ctx context.Context) ([]*schema.WorkflowTrigger, error)
	DeleteTrigger(ctx context.Context, id string) error
}

// TemplateRepository persists workflow templates.
type TemplateRepository interface {
	SaveTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	ListTemplates(ctx context.Context, filter schema.TemplateFilter) ([]*schema.WorkflowTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error
	IncrementTemplateUsage(ctx context.Context, id string) error
}

// EventLog is the append-only lifecycle event log.
type EventLog interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
}

// Store bundles every repository behind one persistence backend.
// All implementations must be safe for concurrent use.
type Store interface {
	DefinitionRepository
	ExecutionRepository
	ApprovalRepository
	ScheduleRepository
	TriggerRepository
	TemplateRepository
	EventLog

	Migrate(ctx context.Context) error
	Close() error
}
