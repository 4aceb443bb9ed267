// Package versioning keeps the append-only version history of workflow
// definitions and decides which version new executions bind to.
package versioning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// Manager publishes, rolls back and deprecates workflow versions. It is the
// single writer of a workflow's head definition.
type Manager struct {
	repo   store.DefinitionRepository
	policy BumpPolicy
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewManager creates a Manager using DefaultBumpPolicy.
func NewManager(repo store.DefinitionRepository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repo: repo, policy: DefaultBumpPolicy, logger: logger, now: time.Now}
}

// SetPolicy replaces the bump classification.
func (m *Manager) SetPolicy(p BumpPolicy) {
	if p != nil {
		m.policy = p
	}
}

// Publish appends def as the new head and activates it. The first publish is
// 1.0.0; later ones bump according to the diff against the current head.
// Publishing a definition identical to the head returns CONFLICT.
func (m *Manager) Publish(ctx context.Context, def *schema.WorkflowDefinition, author, description string) (*schema.WorkflowVersion, error) {
	if def == nil || def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "definition needs an id to be versioned")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publish(ctx, def, author, description, false)
}

// PublishInitial publishes def as version 1.0.0. A workflow that already has
// a history returns CONFLICT; the check and the append are atomic.
func (m *Manager) PublishInitial(ctx context.Context, def *schema.WorkflowDefinition, author, description string) (*schema.WorkflowVersion, error) {
	if def == nil || def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "definition needs an id to be versioned")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publish(ctx, def, author, description, true)
}

// publish runs under m.mu.
func (m *Manager) publish(ctx context.Context, def *schema.WorkflowDefinition, author, description string, initial bool) (*schema.WorkflowVersion, error) {
	history, err := m.repo.ListVersions(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	if initial && len(history) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", def.ID)
	}

	v := &schema.WorkflowVersion{
		WorkflowID:  def.ID,
		Author:      author,
		Description: description,
	}
	if len(history) == 0 {
		v.Number, v.Major = 1, 1
	} else {
		head := history[len(history)-1]
		diff := Diff(&head.Definition, def)
		if diff.Empty() {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"definition is identical to version %d", head.Number)
		}
		v.Bump = m.policy(diff)
		next(v, head)
	}
	v.Definition = *def
	return m.append(ctx, v)
}

// Rollback appends a new head carrying the definition of version number.
// History is never rewritten; the new entry is a patch bump.
func (m *Manager) Rollback(ctx context.Context, workflowID string, number int, author string) (*schema.WorkflowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, err := m.repo.GetVersion(ctx, workflowID, number)
	if err != nil {
		return nil, err
	}
	history, err := m.repo.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	head := history[len(history)-1]
	if head.Number == number {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "version %d is already the head", number)
	}

	v := &schema.WorkflowVersion{
		WorkflowID:     workflowID,
		Bump:           schema.BumpPatch,
		Definition:     target.Definition,
		Author:         author,
		Description:    fmt.Sprintf("rollback to version %d", number),
		RolledBackFrom: number,
	}
	next(v, head)

	out, err := m.append(ctx, v)
	if err != nil {
		return nil, err
	}
	m.logger.WarnContext(ctx, "workflow rolled back",
		slog.String("workflow_id", workflowID),
		slog.Int("restored", number),
		slog.Int("version", out.Number),
	)
	return out, nil
}

// next fills number and semver of v as the successor of head. v.Bump must be set.
func next(v, head *schema.WorkflowVersion) {
	v.Number = head.Number + 1
	v.ParentVersionID = head.ID
	v.Major, v.Minor, v.Patch = head.Major, head.Minor, head.Patch
	switch v.Bump {
	case schema.BumpMajor:
		v.Major, v.Minor, v.Patch = v.Major+1, 0, 0
	case schema.BumpMinor:
		v.Minor, v.Patch = v.Minor+1, 0
	default:
		v.Patch++
	}
}

// append persists v, activates it and makes its definition the head. Caller holds m.mu.
func (m *Manager) append(ctx context.Context, v *schema.WorkflowVersion) (*schema.WorkflowVersion, error) {
	v.ID = "wfv_" + uuid.NewString()
	v.CreatedAt = m.now().UTC()
	v.Definition.Version = v.Number

	if err := m.repo.AppendVersion(ctx, v); err != nil {
		return nil, err
	}
	if err := m.repo.SetActiveVersion(ctx, v.WorkflowID, v.Number); err != nil {
		return nil, err
	}
	head := v.Definition
	if err := m.repo.SaveWorkflow(ctx, &head); err != nil {
		return nil, err
	}
	v.Active = true

	m.logger.InfoContext(ctx, "workflow version published",
		slog.String("workflow_id", v.WorkflowID),
		slog.Int("version", v.Number),
		slog.String("semver", v.Semver()),
		slog.String("bump", string(v.Bump)),
	)
	return v, nil
}

// Active returns the version new executions bind to.
func (m *Manager) Active(ctx context.Context, workflowID string) (*schema.WorkflowVersion, error) {
	history, err := m.repo.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Active {
			return history[i], nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q has no active version", workflowID)
}

// Get returns version number of a workflow.
func (m *Manager) Get(ctx context.Context, workflowID string, number int) (*schema.WorkflowVersion, error) {
	return m.repo.GetVersion(ctx, workflowID, number)
}

// History returns every version, oldest first.
func (m *Manager) History(ctx context.Context, workflowID string) ([]*schema.WorkflowVersion, error) {
	return m.repo.ListVersions(ctx, workflowID)
}

// Deprecate flags a version. The active version cannot be deprecated.
func (m *Manager) Deprecate(ctx context.Context, workflowID string, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.repo.GetVersion(ctx, workflowID, number)
	if err != nil {
		return err
	}
	if v.Active {
		return schema.NewErrorf(schema.ErrCodeConflict, "version %d is active; publish or roll back first", number)
	}
	return m.repo.SetVersionDeprecated(ctx, workflowID, number, true)
}

// Compare diffs two versions of a workflow.
func (m *Manager) Compare(ctx context.Context, workflowID string, a, b int) (*schema.VersionDiff, error) {
	va, err := m.repo.GetVersion(ctx, workflowID, a)
	if err != nil {
		return nil, err
	}
	vb, err := m.repo.GetVersion(ctx, workflowID, b)
	if err != nil {
		return nil, err
	}
	return Diff(&va.Definition, &vb.Definition), nil
}
