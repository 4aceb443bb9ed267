package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- note\nCREATE INDEX i ON a (x);\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
	assert.Equal(t, "CREATE INDEX i ON a (x)", stmts[1])
}

func TestLibSQL_ScheduleColumnsOverlayData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, s.CreateSchedule(ctx, &schema.Schedule{
		ID: "sched_1", WorkflowID: "wf", Kind: schema.ScheduleInterval, Every: "1m",
		Enabled: true, NextRunAt: &next,
	}))

	disabled := false
	status := "completed"
	exeID := "exe_1"
	ran := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateSchedule(ctx, "sched_1", schema.ScheduleUpdate{
		Enabled:         &disabled,
		ClearNextRun:    true,
		LastRunAt:       &ran,
		LastExecutionID: &exeID,
		LastRunStatus:   &status,
	}))

	got, err := s.GetSchedule(ctx, "sched_1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, ran.Equal(*got.LastRunAt))
	assert.Equal(t, "exe_1", got.LastExecutionID)
	assert.Equal(t, "completed", got.LastRunStatus)
	assert.Equal(t, "1m", got.Every)
}

func TestLibSQL_ExecutionErrorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, &schema.Execution{
		ID: "exe_1", WorkflowID: "wf", State: schema.ExecutionRunning,
		Definition: schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{{ID: "a"}}},
	}))

	failed := schema.ExecutionFailed
	require.NoError(t, s.UpdateExecution(ctx, "exe_1", ExecutionUpdate{
		State: &failed,
		Error: schema.NewError(schema.ErrCodeStepExecutionFailed, "boom").WithStep("a"),
	}))

	got, err := s.GetExecution(ctx, "exe_1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeStepExecutionFailed, got.Error.Code)
	assert.Equal(t, "a", got.Error.StepID)
	assert.Nil(t, got.Input)
}
