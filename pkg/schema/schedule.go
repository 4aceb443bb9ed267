package schema

import "time"

// ScheduleKind selects how a schedule computes its next run.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// Schedule launches executions of a workflow on a timer.
type Schedule struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	Kind             ScheduleKind   `json:"kind"`
	CronExpression   string         `json:"cron_expression,omitempty"`
	Every            string         `json:"every,omitempty"` // interval kind, e.g. "15m"
	At               *time.Time     `json:"at,omitempty"`    // once kind
	StartImmediately bool           `json:"start_immediately,omitempty"`
	Timezone         string         `json:"timezone,omitempty"`
	Input            map[string]any `json:"input,omitempty"`
	Enabled          bool           `json:"enabled"`
	NextRunAt        *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt        *time.Time     `json:"last_run_at,omitempty"`
	LastExecutionID  string         `json:"last_execution_id,omitempty"`
	LastRunStatus    string         `json:"last_run_status,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ScheduleUpdate holds the mutable fields of a schedule; nil means unchanged.
type ScheduleUpdate struct {
	Enabled         *bool
	NextRunAt       *time.Time
	ClearNextRun    bool
	LastRunAt       *time.Time
	LastExecutionID *string
	LastRunStatus   *string
}

// ScheduleFilter narrows schedule listings.
type ScheduleFilter struct {
	WorkflowID string
	Enabled    *bool
}
