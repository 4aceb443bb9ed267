package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// DefaultInterval is how often the loop looks for due schedules.
const DefaultInterval = 60 * time.Second

// Run statuses recorded on a schedule after each launch.
const (
	RunStatusLaunched = "launched"
	RunStatusError    = "error"
)

// Launcher starts executions. Satisfied by the engine (avoids import cycle).
type Launcher interface {
	StartExecution(ctx context.Context, workflowID string, input map[string]any) (string, error)
}

// Config tunes the poll loop.
type Config struct {
	Interval time.Duration
}

// Scheduler polls the store for due schedules and launches their workflows.
type Scheduler struct {
	store    store.ScheduleRepository
	launcher Launcher
	parser   cron.Parser
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently launching (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.ScheduleRepository, launcher Launcher, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{
		store:    s,
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		metrics:  m,
		logger:   logger,
		interval: cfg.Interval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Register validates spec, computes its first run and stores it enabled.
func (s *Scheduler) Register(ctx context.Context, spec *schema.Schedule) (*schema.Schedule, error) {
	if spec == nil || spec.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule requires a workflow_id")
	}
	sch := *spec
	sch.Input = maps.Clone(spec.Input)
	if sch.ID == "" {
		sch.ID = "sch_" + uuid.NewString()
	}
	if sch.Kind == "" {
		sch.Kind = schema.ScheduleCron
	}

	now := s.now()
	next, err := s.firstRun(&sch, now)
	if err != nil {
		return nil, err
	}
	sch.Enabled = true
	sch.NextRunAt = &next
	sch.LastRunAt = nil
	sch.LastExecutionID = ""
	sch.LastRunStatus = ""
	sch.CreatedAt = now
	sch.UpdatedAt = now

	if err := s.store.CreateSchedule(ctx, &sch); err != nil {
		return nil, err
	}
	s.logger.InfoContext(logging.WithScheduleID(ctx, sch.ID), "schedule registered",
		slog.String("workflow_id", sch.WorkflowID),
		slog.String("kind", string(sch.Kind)),
		slog.Time("next_run_at", next),
	)
	return &sch, nil
}

// Get returns one schedule.
func (s *Scheduler) Get(ctx context.Context, id string) (*schema.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// List returns schedules matching filter, ordered by id.
func (s *Scheduler) List(ctx context.Context, filter schema.ScheduleFilter) ([]*schema.Schedule, error) {
	out, err := s.store.ListSchedules(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Enable re-arms a schedule with next_run computed from now.
func (s *Scheduler) Enable(ctx context.Context, id string) error {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	var next time.Time
	if sch.Kind == schema.ScheduleOnce {
		if sch.LastRunAt != nil {
			return schema.NewErrorf(schema.ErrCodeConflict, "one-shot schedule %s already ran", id)
		}
		next = *sch.At
	} else if next, err = s.CalculateNextRun(sch, now); err != nil {
		return err
	}
	enabled := true
	return s.store.UpdateSchedule(ctx, id, schema.ScheduleUpdate{Enabled: &enabled, NextRunAt: &next})
}

// Disable stops future launches. Executions already started keep running.
func (s *Scheduler) Disable(ctx context.Context, id string) error {
	disabled := false
	return s.store.UpdateSchedule(ctx, id, schema.ScheduleUpdate{Enabled: &disabled, ClearNextRun: true})
}

// Delete removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeAlreadyRunning, "scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches every enabled schedule whose next run has passed. A schedule
// that missed several ticks launches once; its next run is computed from now.
func (s *Scheduler) tick(ctx context.Context) int {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, schema.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	launched := 0
	for _, sch := range schedules {
		if sch.NextRunAt == nil || sch.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sch.ID) {
			continue // already launching (dedup)
		}
		if err := s.runSchedule(ctx, sch, now); err != nil {
			s.logger.Error("failed to run schedule",
				slog.String("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
		} else {
			launched++
		}
		s.releaseSchedule(sch.ID)
	}
	return launched
}

// runSchedule launches one execution and records the outcome on the schedule.
func (s *Scheduler) runSchedule(ctx context.Context, sch *schema.Schedule, now time.Time) error {
	ctx = logging.WithScheduleID(ctx, sch.ID)
	log := logging.LogWith(ctx, s.logger)
	log.Info("running schedule", slog.String("workflow_id", sch.WorkflowID))

	input := make(map[string]any, len(sch.Input)+1)
	maps.Copy(input, sch.Input)
	input["_schedule_id"] = sch.ID

	exeID, launchErr := s.launcher.StartExecution(ctx, sch.WorkflowID, input)
	status := RunStatusLaunched
	if launchErr != nil {
		status = RunStatusError
		log.Error("scheduled execution failed to start", slog.String("error", launchErr.Error()))
	} else {
		s.metrics.ScheduleLaunched()
		log.Info("scheduled execution started", slog.String("execution_id", exeID))
	}

	update := schema.ScheduleUpdate{
		LastRunAt:       &now,
		LastExecutionID: &exeID,
		LastRunStatus:   &status,
	}
	if sch.Kind == schema.ScheduleOnce {
		disabled := false
		update.Enabled = &disabled
		update.ClearNextRun = true
	} else {
		next, err := s.CalculateNextRun(sch, now)
		if err != nil {
			return fmt.Errorf("calculate next run for schedule %q: %w", sch.ID, err)
		}
		update.NextRunAt = &next
	}
	if err := s.store.UpdateSchedule(ctx, sch.ID, update); err != nil {
		return err
	}
	return launchErr
}

// tryAcquire returns true and marks the schedule as in-flight if it is not already launching.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// releaseSchedule removes the schedule from the in-flight set.
func (s *Scheduler) releaseSchedule(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// firstRun computes the initial next_run for a new schedule and validates its rule.
func (s *Scheduler) firstRun(sch *schema.Schedule, now time.Time) (time.Time, error) {
	switch sch.Kind {
	case schema.ScheduleOnce:
		if sch.At == nil {
			return time.Time{}, schema.NewError(schema.ErrCodeValidation, "once schedule requires at")
		}
		return sch.At.UTC(), nil
	case schema.ScheduleInterval:
		if sch.StartImmediately {
			if _, err := s.CalculateNextRun(sch, now); err != nil {
				return time.Time{}, err
			}
			return now, nil
		}
		return s.CalculateNextRun(sch, now)
	case schema.ScheduleCron:
		return s.CalculateNextRun(sch, now)
	default:
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown schedule kind %q", sch.Kind)
	}
}

// CalculateNextRun computes the first run of a cron or interval schedule after from.
func (s *Scheduler) CalculateNextRun(sch *schema.Schedule, from time.Time) (time.Time, error) {
	switch sch.Kind {
	case schema.ScheduleInterval:
		every, err := schema.ParseDuration(sch.Every, 0)
		if err != nil || every <= 0 {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "interval schedule needs a positive every, got %q", sch.Every)
		}
		return from.Add(every).UTC(), nil
	case schema.ScheduleCron, "":
		loc := time.UTC
		if sch.Timezone != "" {
			l, err := time.LoadLocation(sch.Timezone)
			if err != nil {
				return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown timezone %q", sch.Timezone).WithCause(err)
			}
			loc = l
		}
		rule, err := s.parser.Parse(sch.CronExpression)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", sch.CronExpression, err).WithCause(err)
		}
		return rule.Next(from.In(loc)).UTC(), nil
	default:
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "schedule kind %q has no recurrence", sch.Kind)
	}
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed launches, once each, schedules whose next run passed while
// the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	recovered := s.tick(ctx)
	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
