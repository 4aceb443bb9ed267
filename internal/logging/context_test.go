package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", StepID(ctx))

	ctx = WithExecution(ctx, "exe_1", "wf_1")
	ctx = WithStepID(ctx, "fetch")
	ctx = WithScheduleID(ctx, "sched_1")
	ctx = WithTriggerID(ctx, "trg_1")

	assert.Equal(t, "exe_1", ExecutionID(ctx))
	assert.Equal(t, "wf_1", WorkflowID(ctx))
	assert.Equal(t, "fetch", StepID(ctx))
	assert.Equal(t, "sched_1", ScheduleID(ctx))
	assert.Equal(t, "trg_1", TriggerID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithExecution(context.Background(), "exe_abc", "wf_abc")
	ctx = WithStepID(ctx, "step-x")

	LogWith(ctx, logger).Info("step dispatched")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exe_abc")
	assert.Contains(t, out, "workflow_id=wf_abc")
	assert.Contains(t, out, "step_id=step-x")
	assert.NotContains(t, out, "schedule_id")
	assert.Contains(t, out, "step dispatched")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(context.Background(), logger).Info("no context")

	out := buf.String()
	assert.NotContains(t, out, "execution_id")
	assert.Contains(t, out, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With(slog.String("component", "scheduler"))

	ctx := WithScheduleID(context.Background(), "sched_9")
	logger.InfoContext(ctx, "schedule due")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "sched_9", rec["schedule_id"])
	assert.Equal(t, "scheduler", rec["component"])
	assert.Equal(t, "schedule due", rec["msg"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
