package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/ralphtui/ralph/internal/tracker"
)

// handleTaskList lists tasks, optionally filtered by one status.
func (s *Server) handleTaskList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := tracker.Filter{}

	args := request.GetArguments()
	if raw, ok := args["status"]; ok {
		statusStr, ok := raw.(string)
		if !ok {
			return mcp.NewToolResultText("error: 'status' is not a string"), nil
		}
		if statusStr != "" {
			status := tracker.Status(statusStr)
			if !status.Valid() {
				return mcp.NewToolResultText(fmt.Sprintf("error: invalid status %q", statusStr)), nil
			}
			filter.Statuses = []tracker.Status{status}
		}
	}

	tasks, err := s.tracker.GetTasks(filter)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("error: failed to list tasks: %v", err)), nil
	}

	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks"), nil
	}

	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		line := fmt.Sprintf("[%s] %s: %s", t.Status, t.ID, t.Title)
		if len(t.Deps) > 0 {
			line += fmt.Sprintf(" (deps: %s)", strings.Join(t.Deps, ", "))
		}
		lines = append(lines, line)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

// handleTaskStatus updates one task's status. in_progress goes through
// MarkInProgress, completed through the optional Completer extension, and
// any other status through the optional SetStatus extension.
func (s *Server) handleTaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if args == nil {
		return mcp.NewToolResultText("error: no arguments provided"), nil
	}

	id, ok := args["id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultText("error: missing or invalid 'id' parameter"), nil
	}
	statusStr, ok := args["status"].(string)
	if !ok || statusStr == "" {
		return mcp.NewToolResultText("error: missing or invalid 'status' parameter"), nil
	}

	status := tracker.Status(statusStr)
	if !status.Valid() || status == tracker.StatusOpen {
		return mcp.NewToolResultText(fmt.Sprintf("error: invalid target status %q", statusStr)), nil
	}

	if _, err := s.tracker.Get(id); err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("error: task not found: %v", err)), nil
	}

	switch status {
	case tracker.StatusInProgress:
		ok, err := s.tracker.MarkInProgress(id)
		if err != nil {
			return mcp.NewToolResultText(fmt.Sprintf("error: failed to update status: %v", err)), nil
		}
		if !ok {
			return mcp.NewToolResultText("error: tracker rejected the transition"), nil
		}
	case tracker.StatusCompleted:
		completer, ok := s.tracker.(tracker.Completer)
		if !ok {
			return mcp.NewToolResultText("error: this tracker does not support closing tasks here; close it in the tracker itself"), nil
		}
		if err := completer.Complete(id); err != nil {
			return mcp.NewToolResultText(fmt.Sprintf("error: failed to complete task: %v", err)), nil
		}
	default:
		updater, ok := s.tracker.(statusUpdater)
		if !ok {
			return mcp.NewToolResultText(fmt.Sprintf("error: this tracker does not support setting status %q", status)), nil
		}
		if err := updater.SetStatus(id, status); err != nil {
			return mcp.NewToolResultText(fmt.Sprintf("error: failed to update status: %v", err)), nil
		}
	}

	return mcp.NewToolResultText(fmt.Sprintf("Task %s is now %s", id, status)), nil
}

// statusUpdater is an optional tracker extension for arbitrary status
// transitions (blocked, cancelled).
type statusUpdater interface {
	SetStatus(id string, status tracker.Status) error
}

// handleSessionInfo reports the session id and current progress.
func (s *Server) handleSessionInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info := fmt.Sprintf("session_id: %s", s.sessionID)
	if s.summary != nil {
		info += "\n" + s.summary()
	}
	return mcp.NewToolResultText(info), nil
}
