package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// AgentNotifier pushes notifications to connected actors.
type AgentNotifier interface {
	Notify(ctx context.Context, actor string, payload map[string]any) error
}

// MCPNotifier delivers notifications as MCP "notifications/message" frames to
// the session an actor last called a tool from.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify is best-effort: an actor with no known session is skipped.
func (n *MCPNotifier) Notify(_ context.Context, actor string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(actor)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
