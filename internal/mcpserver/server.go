// Package mcpserver embeds an MCP HTTP server that exposes the tracker to
// the agent subprocess. Agents query and close tasks through these tools, so
// the tracker stays the ground truth the iteration controller re-reads after
// every run.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ralphtui/ralph/internal/logger"
	"github.com/ralphtui/ralph/internal/tracker"
)

// Server manages an embedded MCP HTTP server over one tracker instance.
type Server struct {
	tracker   tracker.Tracker
	sessionID string
	summary   func() string

	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	stdServer  *http.Server
	port       int
	mu         sync.Mutex
}

// New creates a new MCP server instance for the given session.
// The server is not started until Start() is called. summary provides the
// session-info tool's progress line.
func New(trk tracker.Tracker, sessionID string, summary func() string) *Server {
	return &Server{
		tracker:   trk,
		sessionID: sessionID,
		summary:   summary,
	}
}

// Start starts the MCP HTTP server on a random available port.
// Returns the port number or an error if startup fails.
func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdServer != nil {
		return 0, fmt.Errorf("server already started")
	}

	s.mcpServer = server.NewMCPServer(
		"ralph-tools",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	// Pre-open the listener so the assigned port is known before serving.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find available port: %w", err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mcpHandler := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithStateLess(true),
	)
	mux.Handle("/mcp", mcpHandler)

	s.stdServer = &http.Server{Handler: mux}
	s.httpServer = mcpHandler

	logger.Debug("Starting MCP server on port %d", s.port)

	stdServer := s.stdServer
	go func() {
		if err := stdServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("MCP server error: %v", err)
		}
	}()

	return s.port, nil
}

// Stop stops the MCP HTTP server and cleans up resources.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdServer == nil {
		return nil
	}

	logger.Debug("Stopping MCP server")
	if err := s.stdServer.Shutdown(context.Background()); err != nil {
		logger.Warn("Error stopping MCP server: %v", err)
		return fmt.Errorf("failed to stop server: %w", err)
	}

	s.httpServer = nil
	s.stdServer = nil
	s.mcpServer = nil
	return nil
}

// Port returns the bound port, zero before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// URL returns the HTTP URL for the MCP server endpoint.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://localhost:%d/mcp", s.port)
}

// registerTools registers the task and session tools with the MCP server.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("task-list",
			mcp.WithDescription("List tasks in the backlog, optionally filtered by status"),
			mcp.WithString("status",
				mcp.Description("Filter: open, in_progress, blocked, completed or cancelled"),
			),
		),
		s.handleTaskList,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("task-status",
			mcp.WithDescription("Update the status of a task (mark it completed or blocked)"),
			mcp.WithString("id", mcp.Required(),
				mcp.Description("Task ID"),
			),
			mcp.WithString("status", mcp.Required(),
				mcp.Description("New status: in_progress, blocked, completed or cancelled"),
			),
		),
		s.handleTaskStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("session-info",
			mcp.WithDescription("Show the current session's progress"),
		),
		s.handleSessionInfo,
	)
}
