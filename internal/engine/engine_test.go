package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ralphtui/ralph/internal/agent"
	"github.com/ralphtui/ralph/internal/bus"
	"github.com/ralphtui/ralph/internal/session"
	"github.com/ralphtui/ralph/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTracker is an in-memory tracker with stable ordering.
type fakeTracker struct {
	mu               sync.Mutex
	tasks            []tracker.Task
	rejectInProgress bool
}

func newFakeTracker(tasks ...tracker.Task) *fakeTracker {
	return &fakeTracker{tasks: tasks}
}

func (f *fakeTracker) GetTasks(filter tracker.Filter) ([]tracker.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tracker.Task
	for _, t := range f.tasks {
		if len(filter.Statuses) == 0 {
			out = append(out, t)
			continue
		}
		for _, s := range filter.Statuses {
			if t.Status == s {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeTracker) Get(id string) (tracker.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return tracker.Task{}, fmt.Errorf("task not found: %s", id)
}

func (f *fakeTracker) MarkInProgress(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectInProgress {
		return false, nil
	}
	for i, t := range f.tasks {
		if t.ID == id && t.Status == tracker.StatusOpen {
			f.tasks[i].Status = tracker.StatusInProgress
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTracker) Complete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tasks {
		if t.ID == id {
			f.tasks[i].Status = tracker.StatusCompleted
			return nil
		}
	}
	return fmt.Errorf("task not found: %s", id)
}

func (f *fakeTracker) setStatus(id string, status tracker.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tasks {
		if t.ID == id {
			f.tasks[i].Status = status
			return
		}
	}
}

// stubHandle resolves immediately with the scripted result.
type stubHandle struct {
	result *agent.Result
	block  chan struct{} // non-nil: Wait blocks until closed or cancel

	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
	once      sync.Once
}

func (h *stubHandle) Wait() (*agent.Result, error) {
	if h.block != nil {
		select {
		case <-h.block:
		case <-h.done:
			return nil, fmt.Errorf("terminated")
		}
	}
	return h.result, nil
}

func (h *stubHandle) Cancel() error {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
	return nil
}

func (h *stubHandle) Stdout() io.Reader { return strings.NewReader("") }
func (h *stubHandle) Stderr() io.Reader { return strings.NewReader("") }

// scriptAgent runs a callback per invocation; the callback mutates the
// tracker the way a real coding agent would.
type scriptAgent struct {
	mu             sync.Mutex
	calls          int
	onRun          func(call int, prompt string) *agent.Result
	buildPromptErr error
	hang           bool
}

func (a *scriptAgent) Detect() agent.Detection { return agent.Detection{Available: true} }
func (a *scriptAgent) IsReady() bool           { return true }
func (a *scriptAgent) Meta() agent.Meta        { return agent.Meta{Name: "script"} }

func (a *scriptAgent) BuildPrompt(task tracker.Task, pctx agent.PromptContext) (string, error) {
	if a.buildPromptErr != nil {
		return "", a.buildPromptErr
	}
	return "task:" + task.ID, nil
}

func (a *scriptAgent) Execute(ctx context.Context, prompt string, opts agent.ExecuteOptions) (agent.Handle, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.mu.Unlock()

	h := &stubHandle{done: make(chan struct{})}
	if a.hang {
		h.block = make(chan struct{})
		h.result = &agent.Result{ExitCode: 0}
		return h, nil
	}
	if a.onRun != nil {
		h.result = a.onRun(call, prompt)
	} else {
		h.result = &agent.Result{ExitCode: 0}
	}
	return h, nil
}

// harness bundles one engine under test.
type harness struct {
	bus    *bus.Bus
	store  *session.Store
	sess   *session.Session
	engine *Engine
	events []bus.Event
	mu     sync.Mutex
}

func newHarness(t *testing.T, trk tracker.Tracker, ag agent.Agent, cfg Config) *harness {
	t.Helper()
	b := bus.New()
	h := &harness{bus: b}
	b.Subscribe(func(ev bus.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})

	tasks, err := trk.GetTasks(tracker.Filter{})
	require.NoError(t, err)

	h.store = session.NewStore(t.TempDir())
	h.sess = session.New(session.Params{
		AgentPlugin:   "script",
		TrackerPlugin: "fake",
		Cwd:           "/work",
		MaxIterations: cfg.MaxIterations,
		Tasks:         tasks,
	})

	controller := NewController(ControllerConfig{
		Bus:       b,
		Tracker:   trk,
		Agent:     ag,
		Runner:    agent.NewRunner(b),
		Cwd:       "/work",
		SessionID: h.sess.SessionID,
	})
	h.engine = New(cfg, b, h.store, h.sess, controller, nil, "/work")
	return h
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]string, len(h.events))
	for i, ev := range h.events {
		types[i] = ev.Type()
	}
	return types
}

func (h *harness) eventsOf(typeName string) []bus.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []bus.Event
	for _, ev := range h.events {
		if ev.Type() == typeName {
			out = append(out, ev)
		}
	}
	return out
}

// completeSelectedTask wires an agent script that closes the task named in
// the prompt, like a real agent closing tasks through the tracker.
func completeSelectedTask(trk *fakeTracker) func(int, string) *agent.Result {
	return func(call int, prompt string) *agent.Result {
		id := strings.TrimPrefix(prompt, "task:")
		trk.setStatus(id, tracker.StatusCompleted)
		return &agent.Result{ExitCode: 0}
	}
}

func TestHappyPath(t *testing.T) {
	trk := newFakeTracker(
		tracker.Task{ID: "t1", Title: "one", Status: tracker.StatusOpen},
		tracker.Task{ID: "t2", Title: "two", Status: tracker.StatusOpen},
		tracker.Task{ID: "t3", Title: "three", Status: tracker.StatusOpen},
	)
	ag := &scriptAgent{onRun: completeSelectedTask(trk)}
	h := newHarness(t, trk, ag, Config{MaxIterations: 10})

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonIdle, reason)

	assert.Equal(t, 3, h.sess.CurrentIteration)
	assert.Equal(t, 3, h.sess.TasksCompleted)
	assert.Equal(t, session.StatusCompleted, h.sess.Status)

	// Session file is deleted after full completion.
	assert.False(t, h.store.HasPersisted())

	stopped := h.eventsOf("engine:stopped")
	require.Len(t, stopped, 1)
	assert.Equal(t, ReasonIdle, stopped[0].(bus.EngineStopped).Reason)
	assert.Equal(t, 3, stopped[0].(bus.EngineStopped).TasksCompleted)

	require.Len(t, h.eventsOf("all:complete"), 1)
	assert.Empty(t, h.eventsOf("iteration:skipped"), "no skip tick when completion is observed at fold time")
}

func TestSingleTaskEventTrace(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Title: "only", Status: tracker.StatusOpen})
	ag := &scriptAgent{onRun: completeSelectedTask(trk)}
	h := newHarness(t, trk, ag, Config{})

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonIdle, reason)

	assert.Equal(t, []string{
		"engine:started",
		"task:selected",
		"iteration:started",
		"iteration:completed",
		"task:completed",
		"all:complete",
		"engine:stopped",
	}, h.eventTypes())
}

func TestBudgetStop(t *testing.T) {
	var tasks []tracker.Task
	for i := 0; i < 100; i++ {
		tasks = append(tasks, tracker.Task{ID: fmt.Sprintf("t%03d", i), Status: tracker.StatusOpen})
	}
	trk := newFakeTracker(tasks...)
	ag := &scriptAgent{onRun: completeSelectedTask(trk)}
	h := newHarness(t, trk, ag, Config{MaxIterations: 5})

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxIterations, reason)

	assert.Equal(t, 5, h.sess.CurrentIteration)
	assert.Equal(t, 5, h.sess.TasksCompleted)

	// Session file retained and resumable.
	require.True(t, h.store.HasPersisted())
	loaded, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, loaded.Status)
	assert.True(t, loaded.Resumable())
}

func TestRetryExhaustionDowngradesToSkip(t *testing.T) {
	trk := newFakeTracker(
		tracker.Task{ID: "t1", Status: tracker.StatusOpen},
		tracker.Task{ID: "t2", Status: tracker.StatusOpen},
	)
	ag := &scriptAgent{onRun: func(call int, prompt string) *agent.Result {
		id := strings.TrimPrefix(prompt, "task:")
		if id == "t1" {
			return &agent.Result{ExitCode: 1}
		}
		trk.setStatus(id, tracker.StatusCompleted)
		return &agent.Result{ExitCode: 0}
	}}
	h := newHarness(t, trk, ag, Config{
		Retry: RetryConfig{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second},
	})

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonIdle, reason)

	retries := h.eventsOf("iteration:retrying")
	require.Len(t, retries, 3)
	wantDelays := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, ev := range retries {
		retry := ev.(bus.IterationRetrying)
		assert.Equal(t, wantDelays[i], retry.Delay)
		assert.Equal(t, i+1, retry.RetryAttempt)
		assert.Equal(t, 3, retry.MaxRetries)
		assert.Equal(t, "t1", retry.Task.ID)
	}

	// After exhaustion the loop moved on and finished t2.
	assert.Equal(t, 1, h.sess.TasksCompleted)
	completed := h.eventsOf("task:completed")
	require.Len(t, completed, 1)
	assert.Equal(t, "t2", completed[0].(bus.TaskCompleted).TaskID)
}

func TestEmptyTrackerIdles(t *testing.T) {
	trk := newFakeTracker()
	ag := &scriptAgent{}
	h := newHarness(t, trk, ag, Config{})

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonIdle, reason)

	assert.Equal(t, []string{
		"engine:started",
		"iteration:skipped",
		"engine:stopped",
	}, h.eventTypes())

	skipped := h.eventsOf("iteration:skipped")[0].(bus.IterationSkipped)
	assert.Equal(t, "no_tasks", skipped.Reason)
}

func TestUnboundedNeverStopsForBudget(t *testing.T) {
	trk := newFakeTracker(
		tracker.Task{ID: "t1", Status: tracker.StatusOpen},
		tracker.Task{ID: "t2", Status: tracker.StatusOpen},
	)
	ag := &scriptAgent{onRun: completeSelectedTask(trk)}
	h := newHarness(t, trk, ag, Config{MaxIterations: 0})

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonIdle, reason, "max_iterations=0 only terminates when idle")
	assert.Equal(t, 2, h.sess.TasksCompleted)
}

func TestEventOrderingPerTask(t *testing.T) {
	trk := newFakeTracker(
		tracker.Task{ID: "t1", Status: tracker.StatusOpen},
		tracker.Task{ID: "t2", Status: tracker.StatusOpen},
	)
	ag := &scriptAgent{onRun: completeSelectedTask(trk)}
	h := newHarness(t, trk, ag, Config{})

	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)

	// For every completed task: selected < started < completed < task:completed.
	index := func(pred func(bus.Event) bool) int {
		for i, ev := range h.events {
			if pred(ev) {
				return i
			}
		}
		return -1
	}
	for _, id := range []string{"t1", "t2"} {
		sel := index(func(ev bus.Event) bool {
			e, ok := ev.(bus.TaskSelected)
			return ok && e.Task.ID == id
		})
		done := index(func(ev bus.Event) bool {
			e, ok := ev.(bus.TaskCompleted)
			return ok && e.TaskID == id
		})
		require.GreaterOrEqual(t, sel, 0, "task %s selected", id)
		require.GreaterOrEqual(t, done, 0, "task %s completed", id)
		assert.Less(t, sel, done, "task %s: selected before completed", id)
	}
}

func TestInterruptDuringRun(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Status: tracker.StatusOpen})
	ag := &scriptAgent{hang: true}
	h := newHarness(t, trk, ag, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	reason, err := h.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonInterrupted, reason)

	// One more snapshot was persisted with interrupted status; the session
	// reopens with the same id and iteration counter.
	require.True(t, h.store.HasPersisted())
	loaded, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, h.sess.SessionID, loaded.SessionID)
	assert.Equal(t, session.StatusInterrupted, loaded.Status)
	assert.Equal(t, h.sess.CurrentIteration, loaded.CurrentIteration)
	assert.True(t, loaded.Resumable())
}

func TestFatalOnNotReady(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Status: tracker.StatusOpen})
	ag := &scriptAgent{buildPromptErr: fmt.Errorf("agent not authenticated")}
	h := newHarness(t, trk, ag, Config{})

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonFatal, reason)
	assert.Equal(t, session.StatusFailed, h.sess.Status)

	failed := h.eventsOf("iteration:failed")
	require.NotEmpty(t, failed)
	assert.Equal(t, bus.ActionAbort, failed[0].(bus.IterationFailed).Action)
}

func TestPauseResumePreservesCounters(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Status: tracker.StatusOpen})
	ag := &scriptAgent{onRun: completeSelectedTask(trk)}
	h := newHarness(t, trk, ag, Config{})

	h.engine.setState(StateRunning)
	h.engine.Pause()
	assert.Equal(t, StatePaused, h.engine.State())
	require.Len(t, h.eventsOf("engine:paused"), 1)

	iter, completed := h.sess.CurrentIteration, h.sess.TasksCompleted

	// A paused engine does not start a new iteration.
	blocked := make(chan struct{})
	go func() {
		_ = h.engine.waitWhilePaused(context.Background())
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("waitWhilePaused returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	h.engine.Resume()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("waitWhilePaused did not observe resume")
	}
	require.Len(t, h.eventsOf("engine:resumed"), 1)

	// Pause then resume leaves the counters unchanged.
	assert.Equal(t, iter, h.sess.CurrentIteration)
	assert.Equal(t, completed, h.sess.TasksCompleted)

	// And the termination reason is what it would have been anyway.
	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonIdle, reason)
}

func TestCancelWhilePausedExitsAsPaused(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Status: tracker.StatusOpen})
	h := newHarness(t, trk, &scriptAgent{}, Config{})

	h.engine.setState(StateRunning)
	h.engine.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)
	go func() {
		reason, _ := h.engine.Run(ctx)
		done <- reason
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case reason := <-done:
		assert.Equal(t, ReasonPausedExit, reason)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop after cancel while paused")
	}

	loaded, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, loaded.Status)
}

func TestStateTransitions(t *testing.T) {
	trk := newFakeTracker()
	h := newHarness(t, trk, &scriptAgent{}, Config{})

	assert.Equal(t, StateIdle, h.engine.State())
	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, h.engine.State())
}
