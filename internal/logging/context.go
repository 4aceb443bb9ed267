package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	workflowIDKey
	stepIDKey
	scheduleIDKey
	triggerIDKey
)

// correlationKeys lists every context key in attribute order.
var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{executionIDKey, "execution_id"},
	{workflowIDKey, "workflow_id"},
	{stepIDKey, "step_id"},
	{scheduleIDKey, "schedule_id"},
	{triggerIDKey, "trigger_id"},
}

// WithExecutionID returns a context carrying the execution ID.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithWorkflowID returns a context carrying the workflow ID.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithStepID returns a context carrying the step ID.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithScheduleID returns a context carrying the schedule ID.
func WithScheduleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, scheduleIDKey, id)
}

// WithTriggerID returns a context carrying the trigger ID.
func WithTriggerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, triggerIDKey, id)
}

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// ExecutionID extracts the execution ID from the context, or "".
func ExecutionID(ctx context.Context) string { return value(ctx, executionIDKey) }

// WorkflowID extracts the workflow ID from the context, or "".
func WorkflowID(ctx context.Context) string { return value(ctx, workflowIDKey) }

// StepID extracts the step ID from the context, or "".
func StepID(ctx context.Context) string { return value(ctx, stepIDKey) }

// ScheduleID extracts the schedule ID from the context, or "".
func ScheduleID(ctx context.Context) string { return value(ctx, scheduleIDKey) }

// TriggerID extracts the trigger ID from the context, or "".
func TriggerID(ctx context.Context) string { return value(ctx, triggerIDKey) }

// WithExecution sets the execution and workflow IDs at once.
func WithExecution(ctx context.Context, executionID, workflowID string) context.Context {
	return WithWorkflowID(WithExecutionID(ctx, executionID), workflowID)
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, ck := range correlationKeys {
		if v := value(ctx, ck.key); v != "" {
			out = append(out, slog.String(ck.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with the correlation IDs found in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation IDs
// from the record's context, so logger.InfoContext(ctx, ...) carries them.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to a slog level; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a JSON logger on w at the given level with correlation injection.
func New(w io.Writer, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(h))
}
