package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/pkg/schema"
)

// RunNotifier pushes terminal run events to the MCP session that
// submitted the run.
type RunNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewRunNotifier creates a notifier that pushes via MCP notifications.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *RunNotifier {
	return &RunNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Watch subscribes to terminal run events on the hub and forwards each to
// the submitting session. Blocks until ctx is cancelled.
func (n *RunNotifier) Watch(ctx context.Context, hub streaming.EventHub, logger *slog.Logger) {
	ch, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled},
	})
	if err != nil {
		logger.Error("run notifier subscription failed", slog.String("error", err.Error()))
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := n.Notify(ctx, ev); err != nil {
				logger.Error("run notification failed",
					slog.String("run_id", ev.RunID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Notify sends one event to the run's session and drops the mapping.
// Best-effort: returns nil if no session submitted the run.
func (n *RunNotifier) Notify(_ context.Context, ev streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.RunID)
	if !ok {
		return nil // run not submitted over MCP, best-effort
	}
	n.sessions.Forget(ev.RunID)

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"run_id":     ev.RunID,
		"event_type": ev.EventType,
		"payload":    ev.Payload,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session disconnected between lookup and send.
		n.sessions.RemoveSession(sessionID)
		return nil
	}
	return err
}
