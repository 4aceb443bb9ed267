package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/internal/templates"
	"github.com/rendis/opflow/internal/triggers"
	"github.com/rendis/opflow/pkg/schema"
)

// OpflowServerDeps holds the dependencies for creating an OpflowServer.
// Scheduler, Triggers and Templates are optional; their tools report
// ACTION_UNAVAILABLE when missing.
type OpflowServerDeps struct {
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Triggers  *triggers.Manager
	Templates *templates.Library
	Logger    *slog.Logger
}

// OpflowServer wraps an MCP server with opflow-specific tool handlers.
type OpflowServer struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	triggers  *triggers.Manager
	templates *templates.Library
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewOpflowServer creates a new OpflowServer with every tool registered.
func NewOpflowServer(deps OpflowServerDeps) *OpflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &OpflowServer{
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		triggers:  deps.Triggers,
		templates: deps.Templates,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"opflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Opflow orchestrates DAG workflows. Use opflow.create_workflow to register a definition, opflow.start to run it, opflow.status to follow progress, and opflow.resolve_approval to answer approval gates. Schedules, triggers and templates launch workflows without a direct call."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *OpflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *OpflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// WatchApprovals pushes every new approval request to the connected sessions
// of its approvers until ctx is done.
func (s *OpflowServer) WatchApprovals(ctx context.Context, hub streaming.EventHub) error {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventApprovalRequested}})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.notifyApprovers(ctx, ev)
			}
		}
	}()
	return nil
}

func (s *OpflowServer) notifyApprovers(ctx context.Context, ev streaming.StreamEvent) {
	payload, _ := ev.Payload.(map[string]any)
	msg := map[string]any{
		"type":         ev.EventType,
		"execution_id": ev.ExecutionID,
		"workflow_id":  ev.WorkflowID,
		"step_id":      ev.StepID,
		"approval":     payload,
	}
	for _, approver := range approversOf(payload) {
		if err := s.notifier.Notify(ctx, approver, msg); err != nil {
			s.logger.Warn("approval notification failed",
				slog.String("approver", approver),
				slog.String("error", err.Error()),
			)
		}
	}
}

func approversOf(payload map[string]any) []string {
	switch v := payload["approvers"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *OpflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createWorkflowTool(), Handler: s.handleCreateWorkflow},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool("opflow.cancel", "Cancel a running or paused execution"), Handler: s.handleCancel},
		{Tool: controlTool("opflow.pause", "Pause an execution; running steps finish, no new steps start"), Handler: s.handlePause},
		{Tool: controlTool("opflow.resume", "Resume a paused execution"), Handler: s.handleResume},
		{Tool: resolveApprovalTool(), Handler: s.handleResolveApproval},
		{Tool: registerScheduleTool(), Handler: s.handleRegisterSchedule},
		{Tool: registerTriggerTool(), Handler: s.handleRegisterTrigger},
		{Tool: instantiateTool(), Handler: s.handleInstantiate},
		{Tool: publishEventTool(), Handler: s.handlePublishEvent},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func createWorkflowTool() mcp.Tool {
	return mcp.NewTool("opflow.create_workflow",
		mcp.WithDescription("Register a workflow definition, or publish a new version of an existing one"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, name, steps, timeout)")),
		mcp.WithBoolean("update", mcp.Description("Publish a new version of an existing workflow instead of creating one")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("opflow.start",
		mcp.WithDescription("Start an execution of the active version of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow to run")),
		mcp.WithObject("input", mcp.Description("Execution input")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution reaches a terminal state")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("opflow.status",
		mcp.WithDescription("Get execution status with per-step states and progress"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to inspect")),
	)
}

func controlTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Target execution")),
	)
}

func resolveApprovalTool() mcp.Tool {
	return mcp.NewTool("opflow.resolve_approval",
		mcp.WithDescription("Approve or reject a pending approval request"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("Approval request ID")),
		mcp.WithString("decision", mcp.Required(), mcp.Enum("approved", "rejected"), mcp.Description("Verdict")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Who decides; must be listed when the request names approvers")),
		mcp.WithString("comment", mcp.Description("Optional comment")),
	)
}

func registerScheduleTool() mcp.Tool {
	return mcp.NewTool("opflow.register_schedule",
		mcp.WithDescription("Launch a workflow on a cron expression, a fixed interval, or once"),
		mcp.WithObject("schedule", mcp.Required(), mcp.Description("Schedule (workflow_id, kind, cron_expression, timezone, every, at, input)")),
	)
}

func registerTriggerTool() mcp.Tool {
	return mcp.NewTool("opflow.register_trigger",
		mcp.WithDescription("Launch a workflow when a matching event is published"),
		mcp.WithObject("trigger", mcp.Required(), mcp.Description("Trigger (workflow_id, event_pattern, condition, input_mapping, static_inputs, rate_limit, priority)")),
	)
}

func instantiateTool() mcp.Tool {
	return mcp.NewTool("opflow.instantiate",
		mcp.WithDescription("Create a workflow from a template and its parameters"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("Template to instantiate")),
		mcp.WithObject("params", mcp.Description("Parameter values")),
		mcp.WithBoolean("dry_run", mcp.Description("Return the definition without creating the workflow")),
	)
}

func publishEventTool() mcp.Tool {
	return mcp.NewTool("opflow.publish_event",
		mcp.WithDescription("Publish an event to the trigger manager; returns the started execution IDs"),
		mcp.WithString("type", mcp.Required(), mcp.Description("Event type, e.g. order.created")),
		mcp.WithString("source", mcp.Description("Event source")),
		mcp.WithObject("payload", mcp.Description("Event payload")),
		mcp.WithObject("metadata", mcp.Description("String metadata")),
		mcp.WithString("correlation_id", mcp.Description("Correlation ID passed to launched executions")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("opflow.query",
		mcp.WithDescription("List workflows, executions, events, approvals, schedules, triggers or templates"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "events", "approvals", "schedules", "triggers", "templates", "versions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, execution_id, state, since, limit, query, category)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("opflow.diagram",
		mcp.WithDescription("Generate a diagram of a workflow or execution. Returns ASCII art, Mermaid flowchart syntax, or a PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Workflow whose active version to draw")),
		mcp.WithString("execution_id", mcp.Description("Execution to draw with its step states")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format"),
		),
	)
}
