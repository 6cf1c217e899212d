// Package lock implements the cooperative single-session lock over a working
// directory. The lock is a JSON file naming the holder; at most one valid
// lock exists per working directory at any instant. A holder that died
// without releasing is detected by pid liveness and taken over silently.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ralphtui/ralph/internal/logger"
	"github.com/ralphtui/ralph/internal/session"
)

// FileName is the lock file name under the data directory.
const FileName = "lock"

// Info is the on-disk lock content.
type Info struct {
	PID        int       `json:"pid"`
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Host       string    `json:"host"`
}

// ConflictError reports a lock held by another process.
type ConflictError struct {
	Holder Info
	Stale  bool
}

func (e *ConflictError) Error() string {
	if e.Stale {
		return fmt.Sprintf("stale lock held by pid %d (session %s)", e.Holder.PID, e.Holder.SessionID)
	}
	return fmt.Sprintf("working directory locked by pid %d on %s (session %s, since %s)",
		e.Holder.PID, e.Holder.Host, e.Holder.SessionID, e.Holder.AcquiredAt.Format(time.RFC3339))
}

// Options controls acquisition behaviour.
type Options struct {
	// Force takes over a live holder's lock.
	Force bool
	// NonInteractive turns any live conflict into a hard error instead of
	// consulting Prompt.
	NonInteractive bool
	// Prompt, when set in interactive mode, is asked whether to take over a
	// live holder. Returning false keeps the conflict.
	Prompt func(holder Info) bool
}

// Manager owns the lock file for one working directory.
type Manager struct {
	dir      string
	path     string
	held     bool
	cleanup  chan os.Signal
	released chan struct{}
}

// NewManager creates a lock manager rooted at <cwd>/.ralph-tui/lock.
func NewManager(cwd string) *Manager {
	dir := filepath.Join(cwd, session.DataDirName)
	return &Manager{
		dir:  dir,
		path: filepath.Join(dir, FileName),
	}
}

// Path returns the lock file path.
func (m *Manager) Path() string {
	return m.path
}

// Read returns the current lock file content, or nil when absent.
func (m *Manager) Read() (*Info, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		// An unparsable lock file cannot name a live holder; treat as stale.
		logger.Warn("Unparsable lock file at %s, treating as stale", m.path)
		return &Info{}, nil
	}
	return &info, nil
}

// Acquire takes the lock for sessionID. A lock naming a dead pid on this
// host is stale and taken over without force. A live holder fails with
// *ConflictError unless Force is set or the interactive prompt approves.
func (m *Manager) Acquire(sessionID string, opts Options) error {
	existing, err := m.Read()
	if err != nil {
		return err
	}

	if existing != nil {
		stale := m.isStale(existing)
		switch {
		case stale:
			logger.Info("Taking over stale lock from pid %d", existing.PID)
		case opts.Force:
			logger.Warn("Forcibly taking over lock from pid %d", existing.PID)
		case !opts.NonInteractive && opts.Prompt != nil && opts.Prompt(*existing):
			logger.Info("User approved lock takeover from pid %d", existing.PID)
		default:
			return &ConflictError{Holder: *existing, Stale: stale}
		}
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	info := Info{
		PID:        os.Getpid(),
		SessionID:  sessionID,
		AcquiredAt: time.Now().UTC(),
		Host:       host,
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Write-then-rename so a concurrent reader never sees a torn lock.
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit lock file: %w", err)
	}

	m.held = true
	logger.Debug("Lock acquired for session %s (pid %d)", sessionID, info.PID)
	return nil
}

// Release removes the lock file. Idempotent; releasing a lock this manager
// never held is a no-op.
func (m *Manager) Release() error {
	if !m.held {
		return nil
	}
	m.held = false
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	logger.Debug("Lock released")
	return nil
}

// RegisterCleanup installs signal handlers that release the lock on SIGINT
// and SIGTERM. Normal-exit release stays the caller's job (deferred
// Release); on force-quit the OS reaps the process and stale detection on
// the next run restores progress.
func (m *Manager) RegisterCleanup() {
	if m.cleanup != nil {
		return
	}
	m.cleanup = make(chan os.Signal, 1)
	m.released = make(chan struct{})
	signal.Notify(m.cleanup, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-m.cleanup:
			if err := m.Release(); err != nil {
				logger.Error("Lock release on signal failed: %v", err)
			}
		case <-m.released:
		}
	}()
}

// UnregisterCleanup stops the signal handler; used once the engine owns
// shutdown sequencing itself.
func (m *Manager) UnregisterCleanup() {
	if m.cleanup == nil {
		return
	}
	signal.Stop(m.cleanup)
	close(m.released)
	m.cleanup = nil
}

// isStale reports whether the lock's holder is no longer alive on this host.
// A lock from a different host is never considered stale: pid liveness means
// nothing across machines, so cross-host takeover always requires force.
func (m *Manager) isStale(info *Info) bool {
	host, err := os.Hostname()
	if err == nil && info.Host != "" && info.Host != host {
		return false
	}
	if info.PID <= 0 {
		return true
	}
	if info.PID == os.Getpid() {
		// Our own pid from a previous acquire in this process.
		return false
	}
	return !pidAlive(info.PID)
}

// pidAlive probes a pid with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
