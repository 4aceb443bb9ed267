// Package triggers launches workflows in response to events.
package triggers

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// Launcher starts executions. Satisfied by the engine.
type Launcher interface {
	StartExecution(ctx context.Context, workflowID string, input map[string]any) (string, error)
}

// Manager stores triggers and matches events against them.
type Manager struct {
	store    store.TriggerRepository
	launcher Launcher
	eval     *Evaluator
	engines  *expressions.Engines
	limiter  *rateLimiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager.
func NewManager(s store.TriggerRepository, launcher Launcher, engines *expressions.Engines, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    s,
		launcher: launcher,
		eval:     NewEvaluator(engines),
		engines:  engines,
		limiter:  newRateLimiter(),
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register validates t and stores it enabled.
func (m *Manager) Register(ctx context.Context, t *schema.WorkflowTrigger) (*schema.WorkflowTrigger, error) {
	if err := m.validate(t); err != nil {
		return nil, err
	}
	trg := *t
	trg.StaticInputs = maps.Clone(t.StaticInputs)
	trg.InputMapping = maps.Clone(t.InputMapping)
	if trg.ID == "" {
		trg.ID = "trg_" + uuid.NewString()
	}
	if trg.Name == "" {
		trg.Name = trg.ID
	}
	now := m.now()
	trg.Enabled = true
	trg.CreatedAt = now
	trg.UpdatedAt = now

	if err := m.store.SaveTrigger(ctx, &trg); err != nil {
		return nil, err
	}
	m.logger.InfoContext(logging.WithTriggerID(ctx, trg.ID), "trigger registered",
		slog.String("workflow_id", trg.WorkflowID),
		slog.String("event_pattern", trg.EventPattern),
	)
	return &trg, nil
}

func (m *Manager) validate(t *schema.WorkflowTrigger) error {
	if t == nil || t.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger requires a workflow_id")
	}
	if t.EventPattern == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger requires an event_pattern")
	}
	if err := m.eval.Check(t.Condition); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid condition: %s", err).WithCause(err)
	}
	for key, path := range t.InputMapping {
		if err := m.engines.JQ.Check(jqPath(path)); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "input mapping %q: %s", key, err).WithCause(err)
		}
	}
	if rl := t.RateLimit; rl != nil {
		if rl.MaxExecutions <= 0 {
			return schema.NewError(schema.ErrCodeValidation, "rate limit needs a positive max_executions")
		}
		if w, err := schema.ParseDuration(rl.Window, 0); err != nil || w <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "rate limit needs a positive window, got %q", rl.Window)
		}
	}
	return nil
}

// Get returns one trigger.
func (m *Manager) Get(ctx context.Context, id string) (*schema.WorkflowTrigger, error) {
	return m.store.GetTrigger(ctx, id)
}

// List returns every trigger ordered by priority, highest first.
func (m *Manager) List(ctx context.Context) ([]*schema.WorkflowTrigger, error) {
	out, err := m.store.ListTriggers(ctx)
	if err != nil {
		return nil, err
	}
	sortByPriority(out)
	return out, nil
}

// Enable turns a trigger on.
func (m *Manager) Enable(ctx context.Context, id string) error { return m.setEnabled(ctx, id, true) }

// Disable turns a trigger off. Its rate-limit window is discarded.
func (m *Manager) Disable(ctx context.Context, id string) error {
	if err := m.setEnabled(ctx, id, false); err != nil {
		return err
	}
	m.limiter.forget(id)
	return nil
}

func (m *Manager) setEnabled(ctx context.Context, id string, enabled bool) error {
	t, err := m.store.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	t.Enabled = enabled
	t.UpdatedAt = m.now()
	return m.store.SaveTrigger(ctx, t)
}

// Delete removes a trigger.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteTrigger(ctx, id); err != nil {
		return err
	}
	m.limiter.forget(id)
	return nil
}

// ProcessEvent launches the workflow of every enabled trigger that matches ev
// and returns the started execution IDs in priority order. A trigger whose
// condition errors or whose launch fails is logged and skipped.
func (m *Manager) ProcessEvent(ctx context.Context, ev *schema.TriggerEvent) ([]string, error) {
	if ev == nil || ev.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event requires a type")
	}
	if ev.ID == "" {
		ev.ID = "evt_" + uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}

	all, err := m.store.ListTriggers(ctx)
	if err != nil {
		return nil, err
	}
	sortByPriority(all)

	var launched []string
	for _, t := range all {
		if !t.Enabled || !streaming.MatchPattern(t.EventPattern, ev.Type) {
			continue
		}
		tctx := logging.WithTriggerID(ctx, t.ID)
		log := logging.LogWith(tctx, m.logger).With(slog.String("event_id", ev.ID), slog.String("event_type", ev.Type))

		ok, err := m.eval.Match(tctx, t.Condition, ev)
		if err != nil {
			log.Warn("trigger condition failed", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		if rl := t.RateLimit; rl != nil {
			window, _ := schema.ParseDuration(rl.Window, 0)
			if !m.limiter.allow(t.ID, rl.MaxExecutions, window, m.now()) {
				m.metrics.TriggerRateLimited()
				log.Info("trigger rate limited")
				continue
			}
		}

		input, err := m.buildInput(tctx, t, ev)
		if err != nil {
			log.Warn("trigger input mapping failed", slog.String("error", err.Error()))
			continue
		}
		exeID, err := m.launcher.StartExecution(tctx, t.WorkflowID, input)
		if err != nil {
			log.Error("triggered execution failed to start", slog.String("error", err.Error()))
			continue
		}
		m.metrics.TriggerLaunched()
		log.Info("triggered execution started", slog.String("execution_id", exeID))
		launched = append(launched, exeID)
	}
	return launched, nil
}

// buildInput layers the event payload, static inputs, mapped fields and the
// event identifiers, later layers winning.
func (m *Manager) buildInput(ctx context.Context, t *schema.WorkflowTrigger, ev *schema.TriggerEvent) (map[string]any, error) {
	input := make(map[string]any, len(ev.Payload)+len(t.StaticInputs)+len(t.InputMapping)+3)
	maps.Copy(input, ev.Payload)
	maps.Copy(input, t.StaticInputs)

	if len(t.InputMapping) > 0 {
		doc := eventDocument(ev)
		for key, path := range t.InputMapping {
			v, err := m.engines.JQ.Evaluate(ctx, jqPath(path), doc)
			if err != nil {
				return nil, err
			}
			input[key] = v
		}
	}

	input["_event_id"] = ev.ID
	input["_event_type"] = ev.Type
	if ev.CorrelationID != "" {
		input["_correlation_id"] = ev.CorrelationID
	}
	return input, nil
}

func sortByPriority(ts []*schema.WorkflowTrigger) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority > ts[j].Priority
		}
		return ts[i].ID < ts[j].ID
	})
}
