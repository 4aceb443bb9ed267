package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// MemoryStore is an in-process Store. Records are deep-copied on the way in
// and out, so it behaves like a real backend for callers.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*schema.WorkflowDefinition
	versions   map[string][]*schema.WorkflowVersion
	executions map[string]*schema.Execution
	steps      map[string]map[string]*schema.StepState
	approvals  map[string]*schema.ApprovalRequest
	schedules  map[string]*schema.Schedule
	triggers   map[string]*schema.WorkflowTrigger
	templates  map[string]*schema.WorkflowTemplate
	events     map[string][]*Event
	eventSeq   int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*schema.WorkflowDefinition),
		versions:   make(map[string][]*schema.WorkflowVersion),
		executions: make(map[string]*schema.Execution),
		steps:      make(map[string]map[string]*schema.StepState),
		approvals:  make(map[string]*schema.ApprovalRequest),
		schedules:  make(map[string]*schema.Schedule),
		triggers:   make(map[string]*schema.WorkflowTrigger),
		templates:  make(map[string]*schema.WorkflowTemplate),
		events:     make(map[string][]*Event),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Definitions ---

func (m *MemoryStore) SaveWorkflow(_ context.Context, def *schema.WorkflowDefinition) error {
	cp, err := clone(def)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[def.ID] = cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.workflows[id]
	if !ok {
		return nil, notFound("workflow", id)
	}
	return clone(def)
}

func (m *MemoryStore) ListWorkflows(_ context.Context) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.WorkflowDefinition, 0, len(m.workflows))
	for _, def := range m.workflows {
		cp, err := clone(def)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return notFound("workflow", id)
	}
	delete(m.workflows, id)
	delete(m.versions, id)
	return nil
}

func (m *MemoryStore) AppendVersion(_ context.Context, v *schema.WorkflowVersion) error {
	cp, err := clone(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.versions[v.WorkflowID] {
		if existing.Number == v.Number {
			return conflict("version %d of workflow %q already exists", v.Number, v.WorkflowID)
		}
	}
	m.versions[v.WorkflowID] = append(m.versions[v.WorkflowID], cp)
	return nil
}

func (m *MemoryStore) GetVersion(_ context.Context, workflowID string, number int) (*schema.WorkflowVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions[workflowID] {
		if v.Number == number {
			return clone(v)
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "version %d of workflow %q not found", number, workflowID)
}

func (m *MemoryStore) ListVersions(_ context.Context, workflowID string) ([]*schema.WorkflowVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.WorkflowVersion, 0, len(m.versions[workflowID]))
	for _, v := range m.versions[workflowID] {
		cp, err := clone(v)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemoryStore) SetActiveVersion(_ context.Context, workflowID string, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, v := range m.versions[workflowID] {
		if v.Number == number {
			found = true
		}
	}
	if !found {
		return schema.NewErrorf(schema.ErrCodeNotFound, "version %d of workflow %q not found", number, workflowID)
	}
	for _, v := range m.versions[workflowID] {
		v.Active = v.Number == number
	}
	return nil
}

func (m *MemoryStore) SetVersionDeprecated(_ context.Context, workflowID string, number int, deprecated bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[workflowID] {
		if v.Number == number {
			v.Deprecated = deprecated
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "version %d of workflow %q not found", number, workflowID)
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exe *schema.Execution) error {
	cp, err := clone(exe)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exe.ID]; ok {
		return conflict("execution %q already exists", exe.ID)
	}
	m.executions[exe.ID] = cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*schema.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exe, ok := m.executions[id]
	if !ok {
		return nil, notFound("execution", id)
	}
	return clone(exe)
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	vars, err := clone(&update.Variables)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exe, ok := m.executions[id]
	if !ok {
		return notFound("execution", id)
	}
	if update.State != nil {
		exe.State = *update.State
	}
	if update.Variables != nil {
		exe.Variables = *vars
	}
	if update.Error != nil {
		exe.Error = update.Error
	}
	if update.StartedAt != nil {
		exe.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		exe.CompletedAt = update.CompletedAt
	}
	exe.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.Execution
	for _, exe := range m.executions {
		if filter.WorkflowID != "" && exe.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.State != "" && exe.State != filter.State {
			continue
		}
		cp, err := clone(exe)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertStepState(_ context.Context, state *schema.StepState) error {
	cp, err := clone(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[state.ExecutionID] == nil {
		m.steps[state.ExecutionID] = make(map[string]*schema.StepState)
	}
	m.steps[state.ExecutionID][state.StepID] = cp
	return nil
}

func (m *MemoryStore) ListStepStates(_ context.Context, executionID string) ([]*schema.StepState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.StepState
	for _, st := range m.steps[executionID] {
		cp, err := clone(st)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// --- Approvals ---

func (m *MemoryStore) SaveApproval(_ context.Context, req *schema.ApprovalRequest) error {
	cp, err := clone(req)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[req.ID] = cp
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*schema.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.approvals[id]
	if !ok {
		return nil, notFound("approval", id)
	}
	return clone(req)
}

func (m *MemoryStore) ListApprovals(_ context.Context, filter schema.ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.ApprovalRequest
	for _, req := range m.approvals {
		if filter.ExecutionID != "" && req.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		cp, err := clone(req)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// --- Schedules ---

func (m *MemoryStore) CreateSchedule(_ context.Context, s *schema.Schedule) error {
	cp, err := clone(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return conflict("schedule %q already exists", s.ID)
	}
	m.schedules[s.ID] = cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*schema.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, notFound("schedule", id)
	}
	return clone(s)
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, id string, update schema.ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return notFound("schedule", id)
	}
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.ClearNextRun {
		s.NextRunAt = nil
	} else if update.NextRunAt != nil {
		t := *update.NextRunAt
		s.NextRunAt = &t
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		s.LastRunAt = &t
	}
	if update.LastExecutionID != nil {
		s.LastExecutionID = *update.LastExecutionID
	}
	if update.LastRunStatus != nil {
		s.LastRunStatus = *update.LastRunStatus
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, filter schema.ScheduleFilter) ([]*schema.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.Schedule
	for _, s := range m.schedules {
		if filter.WorkflowID != "" && s.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Enabled != nil && s.Enabled != *filter.Enabled {
			continue
		}
		cp, err := clone(s)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return notFound("schedule", id)
	}
	delete(m.schedules, id)
	return nil
}

// --- Triggers ---

func (m *MemoryStore) SaveTrigger(_ context.Context, t *schema.WorkflowTrigger) error {
	cp, err := clone(t)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[t.ID] = cp
	return nil
}

func (m *MemoryStore) GetTrigger(_ context.Context, id string) (*schema.WorkflowTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	if !ok {
		return nil, notFound("trigger", id)
	}
	return clone(t)
}

func (m *MemoryStore) ListTriggers(_ context.Context) ([]*schema.WorkflowTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.WorkflowTrigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		cp, err := clone(t)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return notFound("trigger", id)
	}
	delete(m.triggers, id)
	return nil
}

// --- Templates ---

func (m *MemoryStore) SaveTemplate(_ context.Context, tpl *schema.WorkflowTemplate) error {
	cp, err := clone(tpl)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[tpl.ID] = cp
	return nil
}

func (m *MemoryStore) GetTemplate(_ context.Context, id string) (*schema.WorkflowTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.templates[id]
	if !ok {
		return nil, notFound("template", id)
	}
	return clone(tpl)
}

func (m *MemoryStore) ListTemplates(_ context.Context, filter schema.TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowTemplate
	for _, tpl := range m.templates {
		if !templateMatches(tpl, filter) {
			continue
		}
		cp, err := clone(tpl)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteTemplate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[id]; !ok {
		return notFound("template", id)
	}
	delete(m.templates, id)
	return nil
}

func (m *MemoryStore) IncrementTemplateUsage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[id]
	if !ok {
		return notFound("template", id)
	}
	tpl.UsageCount++
	return nil
}

// templateMatches applies the query, category and tag filters.
// The query matches name, description or any tag, case-insensitively.
func templateMatches(tpl *schema.WorkflowTemplate, f schema.TemplateFilter) bool {
	if f.Category != "" && !strings.EqualFold(tpl.Category, f.Category) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range tpl.Tags {
			if strings.EqualFold(want, have) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Query == "" {
		return true
	}
	q := strings.ToLower(f.Query)
	if strings.Contains(strings.ToLower(tpl.Name), q) || strings.Contains(strings.ToLower(tpl.Description), q) {
		return true
	}
	for _, tag := range tpl.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSeq++
	event.ID = m.eventSeq
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
