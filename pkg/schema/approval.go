package schema

import "time"

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsTerminal reports whether the request has been resolved.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalPending
}

// Decision is an external verdict on an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalRequest suspends an approval step until an external decision or expiry.
type ApprovalRequest struct {
	ID                   string         `json:"id"`
	ExecutionID          string         `json:"execution_id"`
	WorkflowID           string         `json:"workflow_id"`
	StepID               string         `json:"step_id"`
	Title                string         `json:"title,omitempty"`
	Description          string         `json:"description,omitempty"`
	Status               ApprovalStatus `json:"status"`
	Approvers            []string       `json:"approvers,omitempty"`
	NotificationChannels []string       `json:"notification_channels,omitempty"`
	Context              map[string]any `json:"context,omitempty"`
	RequestedAt          time.Time      `json:"requested_at"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty"`
	ResolvedAt           *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy           string         `json:"resolved_by,omitempty"`
	Comment              string         `json:"comment,omitempty"`
}

// Expired reports whether the deadline has passed at now.
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// ApprovalFilter narrows approval listings.
type ApprovalFilter struct {
	ExecutionID string
	Status      ApprovalStatus
}
