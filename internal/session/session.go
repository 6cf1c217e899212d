// Package session holds the durable state of one run and the crash-safe store
// that persists it. A session is created when a run starts, reloaded on
// resume, mutated only by the engine between ticks, and deleted from disk
// once every task is done.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ralphtui/ralph/internal/tracker"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Session is the durable state of one run. SessionID is stable across
// resumes; the on-disk snapshot is rewritten after every iteration and on
// every status transition.
type Session struct {
	SessionID        string         `json:"session_id"`
	Status           Status         `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	AgentPlugin      string         `json:"agent_plugin"`
	TrackerPlugin    string         `json:"tracker_plugin"`
	Model            string         `json:"model,omitempty"`
	EpicID           string         `json:"epic_id,omitempty"`
	PRDPath          string         `json:"prd_path,omitempty"`
	MaxIterations    int            `json:"max_iterations"`
	CurrentIteration int            `json:"current_iteration"`
	TasksCompleted   int            `json:"tasks_completed"`
	TotalTasks       int            `json:"total_tasks"`
	TaskSnapshot     []tracker.Task `json:"task_snapshot"`
	Cwd              string         `json:"cwd"`
	IsPaused         bool           `json:"is_paused"`
	PausedAt         *time.Time     `json:"paused_at,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
}

// IterationResult is the outcome of one iteration, folded into the session
// after every tick.
type IterationResult struct {
	Iteration     int          `json:"iteration"`
	Task          tracker.Task `json:"task"`
	TaskCompleted bool         `json:"task_completed"`
	DurationMS    int64        `json:"duration_ms"`
	ExitCode      int          `json:"exit_code"`
	Error         string       `json:"error,omitempty"`
}

// Params configures a new session.
type Params struct {
	AgentPlugin   string
	TrackerPlugin string
	Model         string
	EpicID        string
	PRDPath       string
	MaxIterations int
	Cwd           string
	Tasks         []tracker.Task
}

// New creates a session snapshotting the tracker's initial task list.
// TotalTasks counts every non-terminal task in the snapshot plus the ones
// already completed, so progress stays meaningful after resume.
func New(params Params) *Session {
	now := time.Now().UTC()

	completed, cancelled := 0, 0
	for _, t := range params.Tasks {
		switch t.Status {
		case tracker.StatusCompleted:
			completed++
		case tracker.StatusCancelled:
			cancelled++
		}
	}

	return &Session{
		SessionID:      uuid.New().String(),
		Status:         StatusRunning,
		StartedAt:      now,
		UpdatedAt:      now,
		AgentPlugin:    params.AgentPlugin,
		TrackerPlugin:  params.TrackerPlugin,
		Model:          params.Model,
		EpicID:         params.EpicID,
		PRDPath:        params.PRDPath,
		MaxIterations:  params.MaxIterations,
		TasksCompleted: completed,
		TotalTasks:     len(params.Tasks) - cancelled,
		TaskSnapshot:   params.Tasks,
		Cwd:            params.Cwd,
	}
}

// Fold merges an iteration result into the session. CurrentIteration is
// monotone non-decreasing across the lifetime of one session id.
func (s *Session) Fold(result *IterationResult) {
	s.CurrentIteration++
	if result.TaskCompleted && s.TasksCompleted < s.TotalTasks {
		s.TasksCompleted++
	}
	if result.Error != "" {
		s.LastError = result.Error
	} else {
		s.LastError = ""
	}
	s.UpdatedAt = time.Now().UTC()
}

// Resumable reports whether the session can be picked up by `resume`.
func (s *Session) Resumable() bool {
	switch s.Status {
	case StatusRunning, StatusPaused, StatusInterrupted:
		return s.TasksCompleted < s.TotalTasks
	default:
		return false
	}
}

// Pause marks the session paused and stamps the checkpoint time.
func (s *Session) Pause() {
	now := time.Now().UTC()
	s.IsPaused = true
	s.PausedAt = &now
	s.Status = StatusPaused
	s.UpdatedAt = now
}

// Resume clears the paused checkpoint and puts the session back to running.
func (s *Session) Resume() {
	s.IsPaused = false
	s.PausedAt = nil
	s.Status = StatusRunning
	s.UpdatedAt = time.Now().UTC()
}

// Summary produces human-readable progress for the resume prompt.
func (s *Session) Summary() string {
	return fmt.Sprintf("session %s: %s, iteration %d, %d/%d tasks completed (started %s)",
		s.SessionID, s.Status, s.CurrentIteration, s.TasksCompleted, s.TotalTasks,
		s.StartedAt.Format(time.RFC3339))
}
