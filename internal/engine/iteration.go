package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ralphtui/ralph/internal/agent"
	"github.com/ralphtui/ralph/internal/bus"
	ierr "github.com/ralphtui/ralph/internal/errors"
	"github.com/ralphtui/ralph/internal/logger"
	"github.com/ralphtui/ralph/internal/session"
	"github.com/ralphtui/ralph/internal/tracker"
)

// ErrNoTasks is returned by a tick when the tracker has no eligible task.
var ErrNoTasks = errors.New("no eligible tasks")

// Controller performs one iteration: pick the next task, build the prompt,
// run the agent, interpret the outcome against the tracker, emit events.
type Controller struct {
	bus     *bus.Bus
	tracker tracker.Tracker
	agent   agent.Agent
	runner  *agent.Runner

	cwd      string
	timeout  time.Duration
	agentEnv []string

	sessionID string
	model     string
	epicID    string
	prdPath   string
	mcpPort   int

	mu      sync.Mutex
	skipped map[string]struct{}
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Bus      *bus.Bus
	Tracker  tracker.Tracker
	Agent    agent.Agent
	Runner   *agent.Runner
	Cwd      string
	Timeout  time.Duration
	AgentEnv []string

	SessionID string
	Model     string
	EpicID    string
	PRDPath   string
	MCPPort   int
}

// NewController creates an iteration controller.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		bus:       cfg.Bus,
		tracker:   cfg.Tracker,
		agent:     cfg.Agent,
		runner:    cfg.Runner,
		cwd:       cfg.Cwd,
		timeout:   cfg.Timeout,
		agentEnv:  cfg.AgentEnv,
		sessionID: cfg.SessionID,
		model:     cfg.Model,
		epicID:    cfg.EpicID,
		prdPath:   cfg.PRDPath,
		mcpPort:   cfg.MCPPort,
		skipped:   make(map[string]struct{}),
	}
}

// MarkSkipped removes a task from selection for the rest of the run, after
// its retry budget is exhausted or the policy decided to pass it over.
func (c *Controller) MarkSkipped(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped[id] = struct{}{}
}

func (c *Controller) isSkipped(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.skipped[id]
	return ok
}

// Tick is the outcome of one controller invocation.
type Tick struct {
	Result *session.IterationResult
	Run    agent.RunResult
	// Err carries the classified failure, nil on success. Cancellation is
	// reported as context.Canceled and is not an iteration failure.
	Err error
}

// RunIteration executes iteration number iter. Returns ErrNoTasks when the
// backlog has no eligible task.
func (c *Controller) RunIteration(ctx context.Context, iter int) (*Tick, error) {
	task, err := c.selectTask(iter)
	if err != nil {
		return nil, err
	}

	c.bus.Publish(bus.TaskSelected{Task: task, Iteration: iter})

	// Best-effort transition to in_progress; a rejected mutation means the
	// iteration proceeds read-only.
	if task.Status == tracker.StatusOpen {
		if ok, err := c.tracker.MarkInProgress(task.ID); err != nil {
			logger.Warn("Tracker rejected in_progress for %s: %v", task.ID, err)
		} else if !ok {
			logger.Debug("Tracker declined in_progress for %s, proceeding read-only", task.ID)
		}
	}

	prompt, err := c.agent.BuildPrompt(task, agent.PromptContext{
		SessionID: c.sessionID,
		Iteration: iter,
		Model:     c.model,
		EpicID:    c.epicID,
		PRDPath:   c.prdPath,
		MCPPort:   c.mcpPort,
	})
	if err != nil {
		tick := c.failedTick(iter, task, 0, -1,
			ierr.NewNotReadyError("build prompt", err))
		return tick, nil
	}

	c.bus.Publish(bus.IterationStarted{Iteration: iter, Task: task})

	started := time.Now()
	run := c.runner.Run(ctx, c.agent, prompt, agent.RunOptions{
		Dir:     c.cwd,
		Env:     c.agentEnv,
		Timeout: c.timeout,
	})
	duration := time.Since(started)

	if run.Status == agent.RunCancelled {
		// Not a failure: the tick is abandoned and the engine winds down.
		return &Tick{
			Result: &session.IterationResult{
				Iteration:  iter,
				Task:       task,
				DurationMS: duration.Milliseconds(),
				ExitCode:   run.ExitCode,
				Error:      "cancelled",
			},
			Run: run,
			Err: context.Canceled,
		}, nil
	}

	// The tracker is the ground truth: the agent may have closed the task.
	completed := false
	current, err := c.tracker.Get(task.ID)
	if err != nil {
		logger.Warn("Failed to re-read task %s after run: %v", task.ID, err)
		current = task
	} else {
		completed = current.Status == tracker.StatusCompleted
	}

	result := &session.IterationResult{
		Iteration:     iter,
		Task:          current,
		TaskCompleted: completed,
		DurationMS:    duration.Milliseconds(),
		ExitCode:      run.ExitCode,
	}

	switch {
	case run.Status == agent.RunCompleted && current.Status == tracker.StatusBlocked:
		blockedErr := ierr.NewBlockedError("task blocked",
			fmt.Errorf("tracker reports task %s blocked after run", task.ID))
		result.Error = blockedErr.Error()
		tick := &Tick{Result: result, Run: run, Err: blockedErr}
		c.publishFailure(tick)
		return tick, nil

	case run.Status != agent.RunCompleted:
		runErr := classifyRun(run)
		result.Error = runErr.Error()
		tick := &Tick{Result: result, Run: run, Err: runErr}
		c.publishFailure(tick)
		return tick, nil
	}

	c.bus.Publish(bus.IterationCompleted{Result: *result})
	if completed {
		c.bus.Publish(bus.TaskCompleted{TaskID: current.ID, Iteration: iter})
	}
	return &Tick{Result: result, Run: run}, nil
}

// selectTask asks the tracker for open and in-progress work, filters by
// dependency satisfaction, and picks by the tracker's own stable order.
func (c *Controller) selectTask(iter int) (tracker.Task, error) {
	all, err := c.tracker.GetTasks(tracker.Filter{})
	if err != nil {
		return tracker.Task{}, ierr.NewTransientError("list tasks", err)
	}
	byID := tracker.Index(all)

	candidates, err := c.tracker.GetTasks(tracker.Filter{
		Statuses: []tracker.Status{tracker.StatusOpen, tracker.StatusInProgress},
	})
	if err != nil {
		return tracker.Task{}, ierr.NewTransientError("list candidate tasks", err)
	}

	for _, task := range candidates {
		if c.isSkipped(task.ID) {
			continue
		}
		if tracker.DepsSatisfied(task, byID) {
			return task, nil
		}
		logger.Debug("Task %s skipped, dependencies unmet", task.ID)
	}

	c.bus.Publish(bus.IterationSkipped{Iteration: iter, Reason: "no_tasks"})
	return tracker.Task{}, ErrNoTasks
}

// failedTick composes a failure outcome for errors raised before the agent
// even started.
func (c *Controller) failedTick(iter int, task tracker.Task, duration time.Duration, exitCode int, err error) *Tick {
	result := &session.IterationResult{
		Iteration:  iter,
		Task:       task,
		DurationMS: duration.Milliseconds(),
		ExitCode:   exitCode,
		Error:      err.Error(),
	}
	tick := &Tick{Result: result, Err: err}
	c.publishFailure(tick)
	return tick
}

func (c *Controller) publishFailure(tick *Tick) {
	c.bus.Publish(bus.IterationFailed{
		Iteration: tick.Result.Iteration,
		Task:      tick.Result.Task,
		Error:     tick.Result.Error,
		Action:    Classify(tick.Err),
	})
}

// classifyRun tags a failed agent run with an error kind for the retry
// policy. Timeouts and plain non-zero exits are transient.
func classifyRun(run agent.RunResult) error {
	err := run.Err
	if err == nil {
		err = fmt.Errorf("agent run failed")
	}
	switch run.Status {
	case agent.RunTimedOut:
		return ierr.NewTransientError("agent timed out", err)
	default:
		if k := ierr.KindOf(err); k != ierr.KindUnknown {
			return err
		}
		return ierr.NewTransientError("agent run", err)
	}
}
