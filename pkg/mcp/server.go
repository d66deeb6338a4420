package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
)

// LoomServerDeps holds the dependencies for creating a LoomServer.
type LoomServerDeps struct {
	Executor engine.Executor
	Store    store.Store
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// LoomServer wraps an MCP server with loom-specific tool handlers.
type LoomServer struct {
	executor  engine.Executor
	store     store.Store
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewLoomServer creates a new LoomServer with all 4 tools registered.
func NewLoomServer(deps LoomServerDeps) *LoomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LoomServer{
		executor: deps.Executor,
		store:    deps.Store,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom executes workflow graphs of agent, transform, conditional and loop nodes. Use loom_run to submit a workflow, loom_status to inspect a run, loom_cancel to stop one, and loom_list_runs to browse past runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Run completion notifications are forwarded from the
// streaming hub while serving.
func (s *LoomServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewRunNotifier(s.mcpServer, s.sessions)
		go notifier.Watch(ctx, s.hub, s.logger)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 4 registered MCP tools as ServerTool entries.
func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: listRunsTool(), Handler: s.handleListRuns},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("loom_run",
		mcp.WithDescription("Submit a workflow for execution. By default returns the run ID immediately; set wait to block for the final result"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition (nodes and edges)")),
		mcp.WithObject("inputs", mcp.Description("Values for the workflow's input nodes")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the run to finish and return the result (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("loom_status",
		mcp.WithDescription("Get the run record, per-node results and event log for a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("loom_cancel",
		mcp.WithDescription("Cancel a pending or running run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("reason", mcp.Description("Reason recorded on the run")),
	)
}

func listRunsTool() mcp.Tool {
	return mcp.NewTool("loom_list_runs",
		mcp.WithDescription("List past and active runs, newest first"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, since as RFC3339, limit)")),
	)
}
