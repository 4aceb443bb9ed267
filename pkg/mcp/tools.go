package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/diagram"
	"github.com/rendis/opflow/pkg/schema"
)

// handleCreateWorkflow registers a definition, or publishes a new version when update is set.
func (s *OpflowServer) handleCreateWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var def schema.WorkflowDefinition
	if err := decodeArg(req, "definition", &def); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))

	if req.GetBool("update", false) {
		v, err := s.engine.UpdateWorkflow(ctx, &def)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(v)
	}

	id, err := s.engine.CreateWorkflow(ctx, &def)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(map[string]any{"workflow_id": id})
}

// handleStart launches an execution and optionally waits for its outcome.
func (s *OpflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))
	input := mcp.ParseStringMap(req, "input", nil)

	execID, err := s.engine.StartExecution(ctx, workflowID, input)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !req.GetBool("wait", false) {
		return marshalResult(map[string]any{"execution_id": execID})
	}

	status, err := s.engine.Wait(ctx, execID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(status)
}

// handleStatus returns the status snapshot of an execution.
func (s *OpflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	status, err := s.engine.GetStatus(ctx, execID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(status)
}

func (s *OpflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, s.engine.Cancel)
}

func (s *OpflowServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, s.engine.Pause)
}

func (s *OpflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, s.engine.Resume)
}

func (s *OpflowServer) control(ctx context.Context, req mcp.CallToolRequest, op func(context.Context, string) error) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := op(ctx, execID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.handleStatus(ctx, req)
}

// handleResolveApproval records a verdict on a pending approval.
func (s *OpflowServer) handleResolveApproval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}
	s.captureSession(ctx, actor)

	resolved, err := s.engine.ResolveApproval(ctx, approvalID, schema.Decision(decision), actor, req.GetString("comment", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(resolved)
}

// handleRegisterSchedule stores a schedule with its first run computed.
func (s *OpflowServer) handleRegisterSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return unavailable("scheduler"), nil
	}
	var spec schema.Schedule
	if err := decodeArg(req, "schedule", &spec); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sch, err := s.scheduler.Register(ctx, &spec)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(sch)
}

// handleRegisterTrigger stores an event trigger.
func (s *OpflowServer) handleRegisterTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.triggers == nil {
		return unavailable("trigger manager"), nil
	}
	var spec schema.WorkflowTrigger
	if err := decodeArg(req, "trigger", &spec); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := s.triggers.Register(ctx, &spec)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(t)
}

// handleInstantiate builds a workflow from a template.
func (s *OpflowServer) handleInstantiate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.templates == nil {
		return unavailable("template library"), nil
	}
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)

	if req.GetBool("dry_run", false) {
		def, err := s.templates.Instantiate(ctx, templateID, params)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(def)
	}

	id, err := s.templates.InstantiateAndCreate(ctx, templateID, params)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(map[string]any{"workflow_id": id, "template_id": templateID})
}

// handlePublishEvent feeds an external event to the trigger manager.
func (s *OpflowServer) handlePublishEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.triggers == nil {
		return unavailable("trigger manager"), nil
	}
	eventType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}

	ev := &schema.TriggerEvent{
		Type:          eventType,
		Source:        req.GetString("source", ""),
		Payload:       mcp.ParseStringMap(req, "payload", nil),
		CorrelationID: req.GetString("correlation_id", ""),
	}
	if md := mcp.ParseStringMap(req, "metadata", nil); len(md) > 0 {
		ev.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			ev.Metadata[k] = fmt.Sprint(v)
		}
	}

	started, err := s.triggers.ProcessEvent(ctx, ev)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if started == nil {
		started = []string{}
	}
	return marshalResult(map[string]any{"event_id": ev.ID, "executions": started})
}

// handleQuery lists one kind of resource.
func (s *OpflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	var result any
	switch resource {
	case "workflows":
		result, err = s.engine.ListWorkflows(ctx)
	case "executions":
		result, err = s.engine.ListExecutions(ctx, schema.ExecutionFilter{
			WorkflowID: extractString(filter, "workflow_id"),
			State:      schema.ExecutionState(extractString(filter, "state")),
			Limit:      extractInt(filter, "limit", 50),
		})
	case "events":
		execID := extractString(filter, "execution_id")
		if execID == "" {
			return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
		}
		result, err = s.engine.Events(ctx, execID, int64(extractInt(filter, "since", 0)))
	case "approvals":
		if execID := extractString(filter, "execution_id"); execID != "" {
			result, err = s.engine.Gate().ListForExecution(ctx, execID)
		} else {
			result, err = s.engine.Gate().ListPending(ctx)
		}
	case "versions":
		wfID := extractString(filter, "workflow_id")
		if wfID == "" {
			return mcp.NewToolResultError("version query requires 'workflow_id' in filter"), nil
		}
		result, err = s.engine.Versions().History(ctx, wfID)
	case "schedules":
		if s.scheduler == nil {
			return unavailable("scheduler"), nil
		}
		result, err = s.scheduler.List(ctx, schema.ScheduleFilter{WorkflowID: extractString(filter, "workflow_id")})
	case "triggers":
		if s.triggers == nil {
			return unavailable("trigger manager"), nil
		}
		result, err = s.triggers.List(ctx)
	case "templates":
		if s.templates == nil {
			return unavailable("template library"), nil
		}
		result, err = s.templates.List(ctx, schema.TemplateFilter{
			Query:    extractString(filter, "query"),
			Category: extractString(filter, "category"),
			Limit:    extractInt(filter, "limit", 50),
		})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{resource: result})
}

// handleDiagram draws a workflow, or an execution with its step states overlaid.
func (s *OpflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	execID := req.GetString("execution_id", "")

	var def *schema.WorkflowDefinition
	var status *schema.ExecutionStatus
	switch {
	case execID != "":
		exec, err := s.engine.GetExecution(ctx, execID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		def = &exec.Definition
		if status, err = s.engine.GetStatus(ctx, execID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	case workflowID != "":
		if def, err = s.engine.GetWorkflow(ctx, workflowID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	default:
		return mcp.NewToolResultError("at least one of workflow_id or execution_id is required"), nil
	}

	model, err := diagram.Build(def, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage("workflow diagram", base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// --- Internal helpers ---

// decodeArg round-trips an object argument through JSON into a typed value.
func decodeArg(req mcp.CallToolRequest, key string, into any) error {
	raw := mcp.ParseStringMap(req, key, nil)
	if raw == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s is required", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s: %v", key, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s: %v", key, err)
	}
	return nil
}

func unavailable(component string) *mcp.CallToolResult {
	return mcp.NewToolResultError(schema.NewErrorf(schema.ErrCodeActionUnavailable, "%s is not configured", component).Error())
}

func extractString(filter map[string]any, key string) string {
	if v, ok := filter[key].(string); ok {
		return v
	}
	return ""
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps an actor to its current MCP session for approval notifications.
func (s *OpflowServer) captureSession(ctx context.Context, actor string) {
	if actor == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(actor, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
