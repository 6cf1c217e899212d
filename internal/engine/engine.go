// Package engine owns the iteration loop: budgeting, retry with backoff,
// pause/resume checkpointing, and termination. One tick delegates to the
// Controller; after every tick the result is folded into the persisted
// session before the next tick starts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ralphtui/ralph/internal/bus"
	ierr "github.com/ralphtui/ralph/internal/errors"
	"github.com/ralphtui/ralph/internal/hooks"
	"github.com/ralphtui/ralph/internal/logger"
	"github.com/ralphtui/ralph/internal/session"
)

// State is the engine's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopping
	StateStopped
)

// String returns the string representation of a state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Termination reasons carried on engine:stopped.
const (
	ReasonMaxIterations = "max_iterations"
	ReasonIdle          = "idle"
	ReasonFatal         = "fatal"
	ReasonInterrupted   = "interrupted"
	ReasonPausedExit    = "paused_exit"
)

// Config parameterises the loop.
type Config struct {
	// MaxIterations bounds the run; 0 means unbounded.
	MaxIterations int
	// IterationDelay is slept between successful iterations.
	IterationDelay time.Duration
	Retry          RetryConfig
}

// DefaultRetry is the retry policy used when none is configured.
var DefaultRetry = RetryConfig{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     time.Minute,
}

// Engine is the top-level loop driver.
type Engine struct {
	cfg        Config
	bus        *bus.Bus
	store      *session.Store
	sess       *session.Session
	controller *Controller
	hooks      *hooks.Config
	workDir    string

	mu       sync.Mutex
	state    State
	paused   bool
	resumeCh chan struct{}

	// sessMu serialises session mutation between the loop and Pause/Resume.
	sessMu sync.Mutex

	attempts map[string]int
}

// New creates an engine over an existing session snapshot.
func New(cfg Config, b *bus.Bus, store *session.Store, sess *session.Session, controller *Controller, hookCfg *hooks.Config, workDir string) *Engine {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetry
	}
	return &Engine{
		cfg:        cfg,
		bus:        b,
		store:      store,
		sess:       sess,
		controller: controller,
		hooks:      hookCfg,
		workDir:    workDir,
		attempts:   make(map[string]int),
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Session returns the engine's session snapshot.
func (e *Engine) Session() *session.Session {
	return e.sess
}

// Run drives the loop until a terminal reason is reached. The returned
// reason is also carried on the engine:stopped event. Cancelling ctx is the
// interrupt path: the current iteration's fold and persistence still happen
// so the session file reflects a coherent prefix of work.
func (e *Engine) Run(ctx context.Context) (string, error) {
	e.setState(StateRunning)
	e.bus.Publish(bus.EngineStarted{TotalTasks: e.sess.TotalTasks})
	logger.Info("Engine started: session %s, %d tasks, max_iterations=%d",
		e.sess.SessionID, e.sess.TotalTasks, e.cfg.MaxIterations)

	reason, runErr := e.loop(ctx)
	e.terminate(reason)
	return reason, runErr
}

func (e *Engine) loop(ctx context.Context) (string, error) {
	selectionFailures := 0
	for {
		if reason, done := e.checkCancelled(ctx); done {
			return reason, nil
		}
		if err := e.waitWhilePaused(ctx); err != nil {
			return e.interruptReason(), nil
		}

		if e.cfg.MaxIterations > 0 && e.currentIteration() >= e.cfg.MaxIterations {
			logger.Info("Reached iteration limit of %d", e.cfg.MaxIterations)
			return ReasonMaxIterations, nil
		}

		iter := e.currentIteration() + 1
		e.runHook(ctx, e.hookPre(), iter)

		tick, err := ierrRecoverTick(func() (*Tick, error) {
			return e.controller.RunIteration(ctx, iter)
		})
		if errors.Is(err, ErrNoTasks) {
			return e.idle(), nil
		}
		if err != nil {
			// Selection failure: transient tracker I/O or a panicking
			// plugin. Retried after a backoff rather than burning an
			// iteration number, fatal once the attempt budget is gone.
			selectionFailures++
			logger.Warn("Tick %d selection failed (%d/%d): %v",
				iter, selectionFailures, e.cfg.Retry.MaxAttempts, err)
			if selectionFailures > e.cfg.Retry.MaxAttempts {
				return ReasonFatal, err
			}
			if e.sleep(ctx, withJitter(e.cfg.Retry.InitialDelay)) != nil {
				return e.interruptReason(), nil
			}
			continue
		}
		selectionFailures = 0

		cancelled := errors.Is(tick.Err, context.Canceled)

		e.fold(tick.Result)

		if cancelled {
			return e.interruptReason(), nil
		}

		e.runHook(ctx, e.hookPost(), iter)

		taskID := tick.Result.Task.ID
		if tick.Err != nil {
			reason, cont := e.handleFailure(ctx, tick, taskID)
			if !cont {
				return reason, nil
			}
			continue
		}

		delete(e.attempts, taskID)

		e.sessMu.Lock()
		allDone := e.sess.TotalTasks > 0 && e.sess.TasksCompleted >= e.sess.TotalTasks
		e.sessMu.Unlock()
		if allDone {
			return e.idle(), nil
		}

		if e.cfg.IterationDelay > 0 {
			if err := e.sleep(ctx, e.cfg.IterationDelay); err != nil {
				return e.interruptReason(), nil
			}
		}
	}
}

// handleFailure applies the retry/skip/abort policy to a failed tick.
// Returns (reason, false) to terminate or ("", true) to continue the loop.
func (e *Engine) handleFailure(ctx context.Context, tick *Tick, taskID string) (string, bool) {
	action := Classify(tick.Err)

	if action == bus.ActionRetry {
		if e.attempts[taskID] < e.cfg.Retry.MaxAttempts {
			e.attempts[taskID]++
			attempt := e.attempts[taskID]
			delay := Backoff(e.cfg.Retry, attempt)
			e.bus.Publish(bus.IterationRetrying{
				Iteration:    tick.Result.Iteration,
				Task:         tick.Result.Task,
				RetryAttempt: attempt,
				MaxRetries:   e.cfg.Retry.MaxAttempts,
				Delay:        delay,
			})
			logger.Info("Retrying task %s (attempt %d/%d) after %s",
				taskID, attempt, e.cfg.Retry.MaxAttempts, delay)
			if err := e.sleep(ctx, withJitter(delay)); err != nil {
				return e.interruptReason(), false
			}
			return "", true
		}
		logger.Warn("Retries exhausted for task %s, skipping", taskID)
		action = bus.ActionSkip
	}

	switch action {
	case bus.ActionSkip:
		e.controller.MarkSkipped(taskID)
		delete(e.attempts, taskID)
		return "", true
	default:
		logger.Error("Fatal iteration failure: %s", tick.Result.Error)
		return ReasonFatal, false
	}
}

// idle emits all:complete when the backlog is fully done and reports the
// idle termination reason.
func (e *Engine) idle() string {
	e.sessMu.Lock()
	completed, total, iterations := e.sess.TasksCompleted, e.sess.TotalTasks, e.sess.CurrentIteration
	e.sessMu.Unlock()
	if total > 0 && completed >= total {
		e.bus.Publish(bus.AllComplete{
			TotalCompleted:  completed,
			TotalIterations: iterations,
		})
	}
	return ReasonIdle
}

// Pause checkpoints the loop. The engine finishes nothing mid-air: sleep
// points and tick boundaries observe the pause before the next iteration.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != StateRunning || e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = true
	e.state = StatePaused
	e.resumeCh = make(chan struct{})
	e.mu.Unlock()

	e.sessMu.Lock()
	e.sess.Pause()
	e.save()
	iter := e.sess.CurrentIteration
	e.sessMu.Unlock()

	e.bus.Publish(bus.EnginePaused{CurrentIteration: iter})
	logger.Info("Engine paused at iteration %d", iter)
}

// Resume continues a paused loop.
func (e *Engine) Resume() {
	e.mu.Lock()
	if !e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = false
	e.state = StateRunning
	close(e.resumeCh)
	e.resumeCh = nil
	e.mu.Unlock()

	e.sessMu.Lock()
	e.sess.Resume()
	e.save()
	iter := e.sess.CurrentIteration
	e.sessMu.Unlock()

	e.bus.Publish(bus.EngineResumed{FromIteration: iter})
	logger.Info("Engine resumed from iteration %d", iter)
}

// waitWhilePaused blocks at a tick boundary while the engine is paused.
func (e *Engine) waitWhilePaused(ctx context.Context) error {
	for {
		e.mu.Lock()
		paused := e.paused
		ch := e.resumeCh
		e.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// checkCancelled reports the termination reason when ctx is already done.
func (e *Engine) checkCancelled(ctx context.Context) (string, bool) {
	if ctx.Err() != nil {
		return e.interruptReason(), true
	}
	return "", false
}

// interruptReason distinguishes a quit while paused from a plain interrupt.
func (e *Engine) interruptReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return ReasonPausedExit
	}
	return ReasonInterrupted
}

// sleep waits for d, waking immediately on cancellation.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminate runs the stopping sequence: final status, last persist, the
// engine:stopped event, and session-file deletion on full completion.
func (e *Engine) terminate(reason string) {
	e.setState(StateStopping)

	e.sessMu.Lock()
	allDone := e.sess.TotalTasks > 0 && e.sess.TasksCompleted >= e.sess.TotalTasks

	switch reason {
	case ReasonIdle:
		e.sess.Status = session.StatusCompleted
	case ReasonFatal:
		e.sess.Status = session.StatusFailed
	case ReasonInterrupted:
		e.sess.Status = session.StatusInterrupted
	case ReasonPausedExit:
		e.sess.Status = session.StatusPaused
	case ReasonMaxIterations:
		// Stays running on disk: the session is resumable.
	}
	e.save()
	iterations, completed := e.sess.CurrentIteration, e.sess.TasksCompleted
	e.sessMu.Unlock()

	e.bus.Publish(bus.EngineStopped{
		Reason:          reason,
		TotalIterations: iterations,
		TasksCompleted:  completed,
	})

	if reason == ReasonIdle && allDone {
		if err := e.store.Delete(); err != nil {
			logger.Error("Failed to delete completed session file: %v", err)
		}
	}

	e.setState(StateStopped)
	logger.Info("Engine stopped: reason=%s iterations=%d completed=%d", reason, iterations, completed)
}

// fold merges one tick into the session and persists the snapshot before
// the next tick can start.
func (e *Engine) fold(result *session.IterationResult) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	e.sess.Fold(result)
	e.save()
}

// currentIteration reads the iteration counter under the session lock.
func (e *Engine) currentIteration() int {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	return e.sess.CurrentIteration
}

// save writes the snapshot; the caller holds sessMu. Persistence errors are
// logged, never fatal: the next save retries the full snapshot and atomic
// rename prevents corruption.
func (e *Engine) save() {
	if err := e.store.Save(e.sess); err != nil {
		logger.Error("Failed to persist session: %v", err)
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) hookPre() *hooks.Hook {
	if e.hooks == nil {
		return nil
	}
	return e.hooks.Hooks.PreIteration
}

func (e *Engine) hookPost() *hooks.Hook {
	if e.hooks == nil {
		return nil
	}
	return e.hooks.Hooks.PostIteration
}

// runHook executes an optional lifecycle hook. Hook failures degrade to a
// log line; only cancellation is allowed to interrupt the loop, and that is
// observed at the next tick boundary.
func (e *Engine) runHook(ctx context.Context, hook *hooks.Hook, iter int) {
	if hook == nil {
		return
	}
	out, err := hooks.Execute(ctx, hook, e.workDir, hooks.Variables{
		Session:   e.sess.SessionID,
		Iteration: strconv.Itoa(iter),
	})
	if err != nil {
		logger.Debug("Hook cancelled: %v", err)
		return
	}
	if out != "" {
		logger.Debug("Hook output (%d bytes): %s", len(out), truncate(out, 512))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ierrRecoverTick runs one tick with panic recovery so a crashing plugin
// surfaces as a failed tick instead of tearing the process down.
func ierrRecoverTick(fn func() (*Tick, error)) (*Tick, error) {
	var tick *Tick
	err := ierr.Recover(func() error {
		var err error
		tick, err = fn()
		return err
	})
	var panicErr *ierr.PanicError
	if errors.As(err, &panicErr) {
		logger.Error("Tick panicked: %v\n%s", panicErr.Value, panicErr.StackTrace)
		return nil, fmt.Errorf("tick panicked: %w", panicErr)
	}
	return tick, err
}
