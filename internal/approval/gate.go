// Package approval implements the approval gate: requests that suspend a step
// until an external decision arrives or the deadline passes.
package approval

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// RequestSpec describes a new approval request.
type RequestSpec struct {
	ExecutionID          string
	WorkflowID           string
	StepID               string
	Title                string
	Description          string
	Timeout              time.Duration // zero means no deadline
	Approvers            []string
	NotificationChannels []string
	Context              map[string]any
}

// Listener is notified of every terminal transition of a request.
type Listener func(req *schema.ApprovalRequest)

// Gate owns approval requests and their expiry timers. Every status change
// goes through the gate's lock, so a request resolves exactly once.
type Gate struct {
	repo    store.ApprovalRepository
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	timers    map[string]*time.Timer
	listeners []Listener
	closed    bool
}

// NewGate creates a gate persisting requests in repo.
func NewGate(repo store.ApprovalRepository, logger *slog.Logger, m *metrics.Metrics) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		repo:    repo,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
	}
}

// Subscribe registers fn for terminal transitions. Listeners run on the
// goroutine that resolved the request and must not block.
func (g *Gate) Subscribe(fn Listener) {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

// Request creates a pending request and arms its expiry timer.
func (g *Gate) Request(ctx context.Context, spec RequestSpec) (*schema.ApprovalRequest, error) {
	if spec.ExecutionID == "" || spec.StepID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval request needs execution_id and step_id")
	}
	now := g.now().UTC()
	req := &schema.ApprovalRequest{
		ID:                   "apr_" + uuid.NewString(),
		ExecutionID:          spec.ExecutionID,
		WorkflowID:           spec.WorkflowID,
		StepID:               spec.StepID,
		Title:                spec.Title,
		Description:          spec.Description,
		Status:               schema.ApprovalPending,
		Approvers:            spec.Approvers,
		NotificationChannels: spec.NotificationChannels,
		Context:              spec.Context,
		RequestedAt:          now,
	}
	if spec.Timeout > 0 {
		exp := now.Add(spec.Timeout)
		req.ExpiresAt = &exp
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, schema.NewError(schema.ErrCodeNotRunning, "approval gate is closed")
	}
	if err := g.repo.SaveApproval(ctx, req); err != nil {
		return nil, err
	}
	if req.ExpiresAt != nil {
		g.arm(req.ID, spec.Timeout)
	}

	g.logger.InfoContext(ctx, "approval requested",
		slog.String("approval_id", req.ID),
		slog.String("step_id", req.StepID),
		slog.Duration("timeout", spec.Timeout),
	)
	return req, nil
}

// arm schedules expiry of id after d. Caller holds g.mu.
func (g *Gate) arm(id string, d time.Duration) {
	if t, ok := g.timers[id]; ok {
		t.Stop()
	}
	g.timers[id] = time.AfterFunc(d, func() {
		if _, err := g.expire(context.Background(), id); err != nil && !schema.IsCode(err, schema.ErrCodeConflict) {
			g.logger.Error("approval expiry failed", slog.String("approval_id", id), slog.String("error", err.Error()))
		}
	})
}

// Resolve records decision by actor. Resolving a terminal request returns
// CONFLICT; resolving past the deadline expires the request and returns
// APPROVAL_TIMEOUT.
func (g *Gate) Resolve(ctx context.Context, id string, decision schema.Decision, actor, comment string) (*schema.ApprovalRequest, error) {
	var status schema.ApprovalStatus
	switch decision {
	case schema.DecisionApproved:
		status = schema.ApprovalApproved
	case schema.DecisionRejected:
		status = schema.ApprovalRejected
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown decision %q", decision)
	}

	g.mu.Lock()
	req, err := g.repo.GetApproval(ctx, id)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if req.Status.IsTerminal() {
		g.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "approval %q already %s", id, req.Status).
			WithDetails(map[string]any{"status": string(req.Status)})
	}
	if len(req.Approvers) > 0 && !slices.Contains(req.Approvers, actor) {
		g.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%q is not an approver of %q", actor, id)
	}

	now := g.now().UTC()
	if req.Expired(now) {
		expired, err := g.finish(ctx, req, schema.ApprovalExpired, "", "")
		g.mu.Unlock()
		if err != nil {
			return nil, err
		}
		g.notify(expired)
		return nil, schema.NewErrorf(schema.ErrCodeApprovalTimeout, "approval %q expired at %s", id, req.ExpiresAt.Format(time.RFC3339))
	}

	resolved, err := g.finish(ctx, req, status, actor, comment)
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "approval resolved",
		slog.String("approval_id", id),
		slog.String("status", string(status)),
		slog.String("actor", actor),
	)
	g.notify(resolved)
	return resolved, nil
}

// expire marks a pending request Expired.
func (g *Gate) expire(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	g.mu.Lock()
	req, err := g.repo.GetApproval(ctx, id)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if req.Status.IsTerminal() {
		g.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "approval %q already %s", id, req.Status)
	}
	expired, err := g.finish(ctx, req, schema.ApprovalExpired, "", "")
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "approval expired", slog.String("approval_id", id))
	g.notify(expired)
	return expired, nil
}

// finish persists a terminal status. Caller holds g.mu.
func (g *Gate) finish(ctx context.Context, req *schema.ApprovalRequest, status schema.ApprovalStatus, actor, comment string) (*schema.ApprovalRequest, error) {
	now := g.now().UTC()
	req.Status = status
	req.ResolvedAt = &now
	req.ResolvedBy = actor
	req.Comment = comment
	if err := g.repo.SaveApproval(ctx, req); err != nil {
		return nil, err
	}
	if t, ok := g.timers[req.ID]; ok {
		t.Stop()
		delete(g.timers, req.ID)
	}
	g.metrics.ApprovalResolved(string(status))
	return req, nil
}

func (g *Gate) notify(req *schema.ApprovalRequest) {
	g.mu.Lock()
	listeners := slices.Clone(g.listeners)
	g.mu.Unlock()
	for _, fn := range listeners {
		fn(req)
	}
}

// ExpireForExecution expires every pending request of an execution, as on cancel.
func (g *Gate) ExpireForExecution(ctx context.Context, executionID string) ([]*schema.ApprovalRequest, error) {
	pending, err := g.repo.ListApprovals(ctx, schema.ApprovalFilter{ExecutionID: executionID, Status: schema.ApprovalPending})
	if err != nil {
		return nil, err
	}
	var out []*schema.ApprovalRequest
	for _, req := range pending {
		expired, err := g.expire(ctx, req.ID)
		if schema.IsCode(err, schema.ErrCodeConflict) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, expired)
	}
	return out, nil
}

// Recover re-arms timers for pending requests loaded from the store and
// expires those whose deadline already passed.
func (g *Gate) Recover(ctx context.Context) error {
	pending, err := g.repo.ListApprovals(ctx, schema.ApprovalFilter{Status: schema.ApprovalPending})
	if err != nil {
		return err
	}
	now := g.now()
	for _, req := range pending {
		if req.ExpiresAt == nil {
			continue
		}
		if req.Expired(now) {
			if _, err := g.expire(ctx, req.ID); err != nil && !schema.IsCode(err, schema.ErrCodeConflict) {
				return err
			}
			continue
		}
		g.mu.Lock()
		g.arm(req.ID, req.ExpiresAt.Sub(now))
		g.mu.Unlock()
	}
	return nil
}

// Get returns a request by id.
func (g *Gate) Get(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	return g.repo.GetApproval(ctx, id)
}

// ListPending returns every pending request.
func (g *Gate) ListPending(ctx context.Context) ([]*schema.ApprovalRequest, error) {
	return g.repo.ListApprovals(ctx, schema.ApprovalFilter{Status: schema.ApprovalPending})
}

// ListForExecution returns every request of an execution, resolved ones included.
func (g *Gate) ListForExecution(ctx context.Context, executionID string) ([]*schema.ApprovalRequest, error) {
	return g.repo.ListApprovals(ctx, schema.ApprovalFilter{ExecutionID: executionID})
}

// Close stops every expiry timer and rejects new requests.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}
