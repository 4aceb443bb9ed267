package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

type launch struct {
	workflowID string
	scheduleID string
	input      map[string]any
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches []launch
	err      error
}

func (f *fakeLauncher) StartExecution(ctx context.Context, workflowID string, input map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.launches = append(f.launches, launch{workflowID: workflowID, scheduleID: logging.ScheduleID(ctx), input: input})
	return "exe_" + workflowID, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

var t0 = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *fakeLauncher, *time.Time) {
	t.Helper()
	launcher := &fakeLauncher{}
	s := NewScheduler(store.NewMemoryStore(), launcher, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Interval: 10 * time.Millisecond})
	now := t0
	s.now = func() time.Time { return now }
	return s, launcher, &now
}

func TestRegister_Validation(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()
	at := t0.Add(time.Hour)

	tests := []struct {
		name string
		spec *schema.Schedule
	}{
		{"nil", nil},
		{"no workflow", &schema.Schedule{Kind: schema.ScheduleCron, CronExpression: "* * * * *"}},
		{"bad cron", &schema.Schedule{WorkflowID: "wf", CronExpression: "every tuesday"}},
		{"bad timezone", &schema.Schedule{WorkflowID: "wf", CronExpression: "@hourly", Timezone: "Mars/Olympus"}},
		{"zero interval", &schema.Schedule{WorkflowID: "wf", Kind: schema.ScheduleInterval}},
		{"bad interval", &schema.Schedule{WorkflowID: "wf", Kind: schema.ScheduleInterval, Every: "often"}},
		{"once without at", &schema.Schedule{WorkflowID: "wf", Kind: schema.ScheduleOnce}},
		{"unknown kind", &schema.Schedule{WorkflowID: "wf", Kind: "lunar", At: &at}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Register(ctx, tt.spec)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestRegister_ComputesNextRun(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	hourly, err := s.Register(ctx, &schema.Schedule{WorkflowID: "wf", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, schema.ScheduleCron, hourly.Kind)
	assert.True(t, hourly.Enabled)
	assert.Contains(t, hourly.ID, "sch_")
	assert.Equal(t, t0.Truncate(time.Hour).Add(time.Hour), *hourly.NextRunAt)

	// 09:00 in New York is 14:00 UTC in January.
	ny, err := s.Register(ctx, &schema.Schedule{WorkflowID: "wf", CronExpression: "0 9 * * *", Timezone: "America/New_York"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC), *ny.NextRunAt)

	every, err := s.Register(ctx, &schema.Schedule{WorkflowID: "wf", Kind: schema.ScheduleInterval, Every: "15m"})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute), *every.NextRunAt)

	now, err := s.Register(ctx, &schema.Schedule{WorkflowID: "wf", Kind: schema.ScheduleInterval, Every: "15m", StartImmediately: true})
	require.NoError(t, err)
	assert.Equal(t, t0, *now.NextRunAt)

	descriptor, err := s.Register(ctx, &schema.Schedule{WorkflowID: "wf", CronExpression: "@daily"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC), *descriptor.NextRunAt)

	all, err := s.List(ctx, schema.ScheduleFilter{WorkflowID: "wf"})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestTick_LaunchesDueSchedule(t *testing.T) {
	s, launcher, now := newTestScheduler(t)
	ctx := context.Background()

	sch, err := s.Register(ctx, &schema.Schedule{
		WorkflowID: "nightly",
		Kind:       schema.ScheduleInterval,
		Every:      "1m",
		Input:      map[string]any{"region": "eu"},
	})
	require.NoError(t, err)

	assert.Zero(t, s.tick(ctx), "not due yet")

	*now = t0.Add(time.Minute)
	assert.Equal(t, 1, s.tick(ctx))
	require.Equal(t, 1, launcher.count())

	got := launcher.launches[0]
	assert.Equal(t, "nightly", got.workflowID)
	assert.Equal(t, sch.ID, got.scheduleID)
	assert.Equal(t, map[string]any{"region": "eu", "_schedule_id": sch.ID}, got.input)

	stored, err := s.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusLaunched, stored.LastRunStatus)
	assert.Equal(t, "exe_nightly", stored.LastExecutionID)
	assert.Equal(t, t0.Add(time.Minute), *stored.LastRunAt)
	assert.Equal(t, t0.Add(2*time.Minute), *stored.NextRunAt)

	assert.Zero(t, s.tick(ctx), "launched once per due time")
}

func TestTick_MissedTicksLaunchOnce(t *testing.T) {
	s, launcher, now := newTestScheduler(t)
	ctx := context.Background()

	sch, err := s.Register(ctx, &schema.Schedule{WorkflowID: "wf", Kind: schema.ScheduleInterval, Every: "1m"})
	require.NoError(t, err)

	*now = t0.Add(10 * time.Minute)
	require.NoError(t, s.RecoverMissed(ctx))
	assert.Equal(t, 1, launcher.count())

	stored, err := s.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(11*time.Minute), *stored.NextRunAt, "next run skips the missed backlog")

	s.tick(ctx)
	assert.Equal(t, 1, launcher.count())
}

func TestTick_OnceDisablesItself(t *testing.T) {
	s, launcher, now := newTestScheduler(t)
	ctx := context.Background()
	at := t0.Add(time.Hour)

	sch, err := s.Register(ctx, &schema.Schedule{WorkflowID: "wf", Kind: schema.ScheduleOnce, At: &at})
	require.NoError(t, err)
	assert.Equal(t, at, *sch.NextRunAt)

	*now = at.Add(time.Second)
	s.tick(ctx)
	s.tick(ctx)
	assert.Equal(t, 1, launcher.count())

	stored, err := s.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Nil(t, stored.NextRunAt)

	err = s.Enable(ctx, sch.ID)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestDisableAndEnable(t *testing.T) {
	s, launcher, now := newTestScheduler(t)
	ctx := context.Background()

	sch, err := s.Register(ctx, &schema.Schedule{WorkflowID: "wf", Kind: schema.ScheduleInterval, Every: "1m"})
	require.NoError(t, err)
	require.NoError(t, s.Disable(ctx, sch.ID))

	*now = t0.Add(5 * time.Minute)
	s.tick(ctx)
	assert.Zero(t, launcher.count())

	require.NoError(t, s.Enable(ctx, sch.ID))
	stored, err := s.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.Equal(t, t0.Add(6*time.Minute), *stored.NextRunAt, "enable recomputes from now")

	require.NoError(t, s.Delete(ctx, sch.ID))
	_, err = s.Get(ctx, sch.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestTick_LaunchFailureStillAdvances(t *testing.T) {
	s, launcher, now := newTestScheduler(t)
	ctx := context.Background()
	launcher.err = schema.NewError(schema.ErrCodeNotFound, "workflow gone")

	sch, err := s.Register(ctx, &schema.Schedule{WorkflowID: "wf", Kind: schema.ScheduleInterval, Every: "1m"})
	require.NoError(t, err)

	*now = t0.Add(time.Minute)
	assert.Zero(t, s.tick(ctx))

	stored, err := s.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusError, stored.LastRunStatus)
	assert.Equal(t, t0.Add(2*time.Minute), *stored.NextRunAt)
}

func TestStartStop(t *testing.T) {
	launcher := &fakeLauncher{}
	s := NewScheduler(store.NewMemoryStore(), launcher, nil, nil, Config{Interval: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := s.Register(ctx, &schema.Schedule{WorkflowID: "wf", Kind: schema.ScheduleInterval, Every: "1h", StartImmediately: true})
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	err = s.Start(ctx)
	assert.Equal(t, schema.ErrCodeAlreadyRunning, schema.CodeOf(err))

	require.Eventually(t, func() bool { return launcher.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, launcher.count())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestSkipInflight(t *testing.T) {
	s, launcher, now := newTestScheduler(t)
	ctx := context.Background()

	sch, err := s.Register(ctx, &schema.Schedule{WorkflowID: "wf", Kind: schema.ScheduleInterval, Every: "1m"})
	require.NoError(t, err)
	*now = t0.Add(time.Minute)

	require.True(t, s.tryAcquire(sch.ID))
	s.tick(ctx)
	assert.Zero(t, launcher.count())

	s.releaseSchedule(sch.ID)
	s.tick(ctx)
	assert.Equal(t, 1, launcher.count())
}
