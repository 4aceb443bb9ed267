package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/actions"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/templates"
	"github.com/rendis/opflow/internal/triggers"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

func newTestServer(t *testing.T) (*OpflowServer, *engine.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()

	e, err := engine.New(engine.Deps{Store: st, Logger: logger}, engine.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	noop := func(_ context.Context, params map[string]any) (any, error) { return map[string]any{"ok": true}, nil }
	require.NoError(t, e.Actions().Register(actions.NewFunc("noop", noop)))

	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	schemas, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	s := NewOpflowServer(OpflowServerDeps{
		Engine:    e,
		Scheduler: scheduler.NewScheduler(st, e, nil, logger, scheduler.Config{}),
		Triggers:  triggers.NewManager(st, e, engines, nil, logger),
		Templates: templates.NewLibrary(st, e, schemas, logger),
		Logger:    logger,
	})
	return s, e
}

func buildRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func decodeResult(t *testing.T, result *mcp.CallToolResult, into any) {
	t.Helper()
	require.NotNil(t, result)
	require.False(t, result.IsError, "unexpected tool error: %v", result.Content)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal([]byte(text.Text), into))
}

func errorText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.True(t, result.IsError)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func pipelineDefinition() map[string]any {
	return map[string]any{
		"id":   "pipeline",
		"name": "Pipeline",
		"steps": []any{
			map[string]any{"id": "fetch", "action": map[string]any{"kind": "custom", "name": "noop"}},
			map[string]any{"id": "store", "depends_on": []any{"fetch"}, "action": map[string]any{"kind": "custom", "name": "noop"}},
		},
	}
}

func approvalDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   "release",
		Name: "Release",
		Steps: []schema.StepDefinition{
			{ID: "signoff", Type: schema.StepTypeApproval, Approval: &schema.ApprovalConfig{Title: "Ship it?", Approvers: []string{"alice"}}},
			{ID: "ship", DependsOn: []string{"signoff"}, Action: &schema.ActionPayload{Kind: schema.ActionKindCustom, Name: "noop"}},
		},
	}
}

func awaitApproval(t *testing.T, e *engine.Engine, execID string) string {
	t.Helper()
	var approvalID string
	require.Eventually(t, func() bool {
		st, err := e.GetStatus(context.Background(), execID)
		if err != nil || len(st.PendingApprovals) == 0 {
			return false
		}
		approvalID = st.PendingApprovals[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return approvalID
}

func TestCreateAndStart_Wait(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleCreateWorkflow(ctx, buildRequest("opflow.create_workflow", map[string]any{
		"definition": pipelineDefinition(),
	}))
	require.NoError(t, err)
	var created map[string]any
	decodeResult(t, result, &created)
	assert.Equal(t, "pipeline", created["workflow_id"])

	result, err = s.handleStart(ctx, buildRequest("opflow.start", map[string]any{
		"workflow_id": "pipeline",
		"input":       map[string]any{"region": "eu"},
		"wait":        true,
	}))
	require.NoError(t, err)
	var status schema.ExecutionStatus
	decodeResult(t, result, &status)
	assert.Equal(t, schema.ExecutionCompleted, status.State)
	assert.Len(t, status.Steps, 2)
	assert.Equal(t, schema.StepCompleted, status.Steps["store"].Status)
}

func TestCreateWorkflow_Update(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleCreateWorkflow(ctx, buildRequest("opflow.create_workflow", map[string]any{"definition": pipelineDefinition()}))
	require.NoError(t, err)

	def := pipelineDefinition()
	def["name"] = "Pipeline v2"
	result, err := s.handleCreateWorkflow(ctx, buildRequest("opflow.create_workflow", map[string]any{
		"definition": def,
		"update":     true,
	}))
	require.NoError(t, err)
	var v schema.WorkflowVersion
	decodeResult(t, result, &v)
	assert.Equal(t, 2, v.Number)
}

func TestCreateWorkflow_Errors(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleCreateWorkflow(ctx, buildRequest("opflow.create_workflow", map[string]any{}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "definition is required")

	cyclic := map[string]any{
		"id":   "loop",
		"name": "Loop",
		"steps": []any{
			map[string]any{"id": "a", "depends_on": []any{"b"}, "action": map[string]any{"kind": "custom", "name": "noop"}},
			map[string]any{"id": "b", "depends_on": []any{"a"}, "action": map[string]any{"kind": "custom", "name": "noop"}},
		},
	}
	result, err = s.handleCreateWorkflow(ctx, buildRequest("opflow.create_workflow", map[string]any{"definition": cyclic}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatus_UnknownExecution(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleStatus(context.Background(), buildRequest("opflow.status", map[string]any{"execution_id": "exe_missing"}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), schema.ErrCodeNotFound)

	result, err = s.handleStatus(context.Background(), buildRequest("opflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "execution_id is required", errorText(t, result))
}

func TestResolveApproval(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()

	_, err := e.CreateWorkflow(ctx, approvalDefinition())
	require.NoError(t, err)
	execID, err := e.StartExecution(ctx, "release", nil)
	require.NoError(t, err)
	approvalID := awaitApproval(t, e, execID)

	result, err := s.handleQuery(ctx, buildRequest("opflow.query", map[string]any{"resource": "approvals"}))
	require.NoError(t, err)
	var pending map[string][]schema.ApprovalRequest
	decodeResult(t, result, &pending)
	require.Len(t, pending["approvals"], 1)
	assert.Equal(t, approvalID, pending["approvals"][0].ID)

	result, err = s.handleResolveApproval(ctx, buildRequest("opflow.resolve_approval", map[string]any{
		"approval_id": approvalID,
		"decision":    "approved",
		"actor":       "mallory",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "actor outside the approver list")

	result, err = s.handleResolveApproval(ctx, buildRequest("opflow.resolve_approval", map[string]any{
		"approval_id": approvalID,
		"decision":    "approved",
		"actor":       "alice",
		"comment":     "lgtm",
	}))
	require.NoError(t, err)
	var resolved schema.ApprovalRequest
	decodeResult(t, result, &resolved)
	assert.Equal(t, schema.ApprovalApproved, resolved.Status)

	final, err := e.Wait(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, final.State)
}

func TestControl_PauseResumeCancel(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()

	_, err := e.CreateWorkflow(ctx, approvalDefinition())
	require.NoError(t, err)
	execID, err := e.StartExecution(ctx, "release", nil)
	require.NoError(t, err)
	awaitApproval(t, e, execID)

	args := map[string]any{"execution_id": execID}
	var status schema.ExecutionStatus

	result, err := s.handlePause(ctx, buildRequest("opflow.pause", args))
	require.NoError(t, err)
	decodeResult(t, result, &status)
	assert.Equal(t, schema.ExecutionPaused, status.State)

	result, err = s.handleResume(ctx, buildRequest("opflow.resume", args))
	require.NoError(t, err)
	decodeResult(t, result, &status)
	assert.Equal(t, schema.ExecutionRunning, status.State)

	result, err = s.handleCancel(ctx, buildRequest("opflow.cancel", args))
	require.NoError(t, err)
	require.False(t, result.IsError)

	final, err := e.Wait(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, final.State)

	result, err = s.handleResume(ctx, buildRequest("opflow.resume", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRegisterSchedule(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	_, err := s.handleCreateWorkflow(ctx, buildRequest("opflow.create_workflow", map[string]any{"definition": pipelineDefinition()}))
	require.NoError(t, err)

	result, err := s.handleRegisterSchedule(ctx, buildRequest("opflow.register_schedule", map[string]any{
		"schedule": map[string]any{
			"workflow_id":     "pipeline",
			"cron_expression": "0 9 * * *",
			"timezone":        "Europe/Madrid",
		},
	}))
	require.NoError(t, err)
	var sch schema.Schedule
	decodeResult(t, result, &sch)
	assert.Contains(t, sch.ID, "sch_")
	assert.Equal(t, schema.ScheduleCron, sch.Kind)
	assert.NotNil(t, sch.NextRunAt)

	result, err = s.handleRegisterSchedule(ctx, buildRequest("opflow.register_schedule", map[string]any{
		"schedule": map[string]any{"workflow_id": "pipeline", "cron_expression": "whenever"},
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), schema.ErrCodeValidation)

	result, err = s.handleQuery(ctx, buildRequest("opflow.query", map[string]any{
		"resource": "schedules",
		"filter":   map[string]any{"workflow_id": "pipeline"},
	}))
	require.NoError(t, err)
	var listed map[string][]schema.Schedule
	decodeResult(t, result, &listed)
	assert.Len(t, listed["schedules"], 1)
}

func TestTriggerAndPublishEvent(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()
	_, err := s.handleCreateWorkflow(ctx, buildRequest("opflow.create_workflow", map[string]any{"definition": pipelineDefinition()}))
	require.NoError(t, err)

	result, err := s.handleRegisterTrigger(ctx, buildRequest("opflow.register_trigger", map[string]any{
		"trigger": map[string]any{
			"workflow_id":   "pipeline",
			"event_pattern": "order.*",
			"condition":     map[string]any{"kind": "payload_field", "path": "status", "equals": "paid"},
			"input_mapping": map[string]any{"order_id": ".payload.id"},
		},
	}))
	require.NoError(t, err)
	var trg schema.WorkflowTrigger
	decodeResult(t, result, &trg)
	assert.True(t, trg.Enabled)

	publish := func(eventType, status string) []string {
		result, err := s.handlePublishEvent(ctx, buildRequest("opflow.publish_event", map[string]any{
			"type":     eventType,
			"source":   "shop",
			"payload":  map[string]any{"id": "o-7", "status": status},
			"metadata": map[string]any{"tenant": "acme"},
		}))
		require.NoError(t, err)
		var out struct {
			EventID    string   `json:"event_id"`
			Executions []string `json:"executions"`
		}
		decodeResult(t, result, &out)
		assert.NotEmpty(t, out.EventID)
		return out.Executions
	}

	assert.Empty(t, publish("order.created", "pending"))
	assert.Empty(t, publish("invoice.paid", "paid"))

	started := publish("order.updated", "paid")
	require.Len(t, started, 1)

	exec, err := e.GetExecution(ctx, started[0])
	require.NoError(t, err)
	assert.Equal(t, "o-7", exec.Input["order_id"])
	assert.Equal(t, "trigger:"+trg.ID, exec.TriggeredBy)
}

func TestInstantiate(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	tpl, err := s.templates.Register(ctx, templates.Sequential("Two step", "fetch then store", "noop", "noop"))
	require.NoError(t, err)

	result, err := s.handleInstantiate(ctx, buildRequest("opflow.instantiate", map[string]any{
		"template_id": tpl.ID,
		"params":      map[string]any{"workflow_name": "nightly sync"},
		"dry_run":     true,
	}))
	require.NoError(t, err)
	var def schema.WorkflowDefinition
	decodeResult(t, result, &def)
	assert.Equal(t, "nightly sync", def.Name)
	assert.Empty(t, def.ID)

	result, err = s.handleInstantiate(ctx, buildRequest("opflow.instantiate", map[string]any{
		"template_id": tpl.ID,
		"params":      map[string]any{"workflow_name": "nightly sync", "workflow_id": "sync"},
	}))
	require.NoError(t, err)
	var created map[string]any
	decodeResult(t, result, &created)
	assert.Equal(t, "sync", created["workflow_id"])

	result, err = s.handleInstantiate(ctx, buildRequest("opflow.instantiate", map[string]any{
		"template_id": tpl.ID,
		"params":      map[string]any{"workflow_name": "x"},
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), schema.ErrCodeValidation)
}

func TestQuery(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()
	_, err := s.handleCreateWorkflow(ctx, buildRequest("opflow.create_workflow", map[string]any{"definition": pipelineDefinition()}))
	require.NoError(t, err)
	execID, err := e.StartExecution(ctx, "pipeline", nil)
	require.NoError(t, err)
	_, err = e.Wait(ctx, execID)
	require.NoError(t, err)

	tests := []struct {
		name     string
		resource string
		filter   map[string]any
		wantLen  int
	}{
		{"workflows", "workflows", nil, 1},
		{"executions", "executions", map[string]any{"workflow_id": "pipeline", "state": "completed"}, 1},
		{"executions other state", "executions", map[string]any{"state": "failed"}, 0},
		{"versions", "versions", map[string]any{"workflow_id": "pipeline"}, 1},
		{"triggers", "triggers", nil, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			args := map[string]any{"resource": tc.resource}
			if tc.filter != nil {
				args["filter"] = tc.filter
			}
			result, err := s.handleQuery(ctx, buildRequest("opflow.query", args))
			require.NoError(t, err)
			var out map[string][]json.RawMessage
			decodeResult(t, result, &out)
			assert.Len(t, out[tc.resource], tc.wantLen)
		})
	}

	result, err := s.handleQuery(ctx, buildRequest("opflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": execID},
	}))
	require.NoError(t, err)
	var events map[string][]map[string]any
	decodeResult(t, result, &events)
	assert.NotEmpty(t, events["events"])

	result, err = s.handleQuery(ctx, buildRequest("opflow.query", map[string]any{"resource": "events"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleQuery(ctx, buildRequest("opflow.query", map[string]any{"resource": "agents"}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "unknown resource type")
}

func TestQuery_MissingComponents(t *testing.T) {
	s, _ := newTestServer(t)
	s.scheduler = nil

	result, err := s.handleQuery(context.Background(), buildRequest("opflow.query", map[string]any{"resource": "schedules"}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), schema.ErrCodeActionUnavailable)
}

func TestDiagram(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()
	_, err := s.handleCreateWorkflow(ctx, buildRequest("opflow.create_workflow", map[string]any{"definition": pipelineDefinition()}))
	require.NoError(t, err)

	result, err := s.handleDiagram(ctx, buildRequest("opflow.diagram", map[string]any{
		"workflow_id": "pipeline",
		"format":      "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := result.Content[0].(mcp.TextContent).Text
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "fetch")

	execID, err := e.StartExecution(ctx, "pipeline", nil)
	require.NoError(t, err)
	_, err = e.Wait(ctx, execID)
	require.NoError(t, err)

	result, err = s.handleDiagram(ctx, buildRequest("opflow.diagram", map[string]any{
		"execution_id": execID,
		"format":       "ascii",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].(mcp.TextContent).Text, "store")

	result, err = s.handleDiagram(ctx, buildRequest("opflow.diagram", map[string]any{"format": "svg"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDiagram(ctx, buildRequest("opflow.diagram", map[string]any{"format": "ascii"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
