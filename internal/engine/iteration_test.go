package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ralphtui/ralph/internal/agent"
	"github.com/ralphtui/ralph/internal/bus"
	ierr "github.com/ralphtui/ralph/internal/errors"
	"github.com/ralphtui/ralph/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(b *bus.Bus, trk tracker.Tracker, ag agent.Agent) *Controller {
	return NewController(ControllerConfig{
		Bus:       b,
		Tracker:   trk,
		Agent:     ag,
		Runner:    agent.NewRunner(b),
		Cwd:       "/work",
		SessionID: "sess-test",
	})
}

func TestSelectSkipsUnmetDependencies(t *testing.T) {
	trk := newFakeTracker(
		tracker.Task{ID: "t1", Status: tracker.StatusOpen, Deps: []string{"t0"}},
		tracker.Task{ID: "t0", Status: tracker.StatusOpen},
	)
	ag := &scriptAgent{onRun: completeSelectedTask(trk)}
	b := bus.New()
	c := newTestController(b, trk, ag)

	tick, err := c.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, tick.Err)

	// t1 is first in tracker order but its dependency is open; t0 runs.
	assert.Equal(t, "t0", tick.Result.Task.ID)
	assert.True(t, tick.Result.TaskCompleted)
}

func TestDependencySatisfiedAfterCompletion(t *testing.T) {
	trk := newFakeTracker(
		tracker.Task{ID: "t1", Status: tracker.StatusOpen, Deps: []string{"t0"}},
		tracker.Task{ID: "t0", Status: tracker.StatusCompleted},
	)
	ag := &scriptAgent{onRun: completeSelectedTask(trk)}
	c := newTestController(bus.New(), trk, ag)

	tick, err := c.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "t1", tick.Result.Task.ID)
}

func TestNoTasksEmitsSkippedOnce(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Status: tracker.StatusCompleted})
	b := bus.New()
	var skipped []bus.IterationSkipped
	b.Subscribe(func(ev bus.Event) {
		if e, ok := ev.(bus.IterationSkipped); ok {
			skipped = append(skipped, e)
		}
	})
	c := newTestController(b, trk, &scriptAgent{})

	_, err := c.RunIteration(context.Background(), 1)
	require.ErrorIs(t, err, ErrNoTasks)

	require.Len(t, skipped, 1)
	assert.Equal(t, "no_tasks", skipped[0].Reason)
	assert.Equal(t, 1, skipped[0].Iteration)
}

func TestMarkInProgressRejectedProceedsReadOnly(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Status: tracker.StatusOpen})
	trk.rejectInProgress = true
	ag := &scriptAgent{onRun: completeSelectedTask(trk)}
	c := newTestController(bus.New(), trk, ag)

	tick, err := c.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, tick.Err)
	assert.True(t, tick.Result.TaskCompleted)
}

func TestTrackerIsGroundTruthForCompletion(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Status: tracker.StatusOpen})
	// Agent exits 0 but never closes the task.
	ag := &scriptAgent{}
	c := newTestController(bus.New(), trk, ag)

	tick, err := c.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, tick.Err)
	assert.False(t, tick.Result.TaskCompleted, "completion reflects the tracker, not the exit code")
}

func TestBlockedTaskYieldsSkipAction(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Status: tracker.StatusOpen})
	ag := &scriptAgent{onRun: func(call int, prompt string) *agent.Result {
		trk.setStatus("t1", tracker.StatusBlocked)
		return &agent.Result{ExitCode: 0}
	}}
	b := bus.New()
	var failed []bus.IterationFailed
	b.Subscribe(func(ev bus.Event) {
		if e, ok := ev.(bus.IterationFailed); ok {
			failed = append(failed, e)
		}
	})
	c := newTestController(b, trk, ag)

	tick, err := c.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	require.Error(t, tick.Err)
	assert.Equal(t, ierr.KindBlocked, ierr.KindOf(tick.Err))

	require.Len(t, failed, 1)
	assert.Equal(t, bus.ActionSkip, failed[0].Action)
}

func TestFailedRunYieldsRetryAction(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Status: tracker.StatusOpen})
	ag := &scriptAgent{onRun: func(int, string) *agent.Result {
		return &agent.Result{ExitCode: 1}
	}}
	b := bus.New()
	var failed []bus.IterationFailed
	b.Subscribe(func(ev bus.Event) {
		if e, ok := ev.(bus.IterationFailed); ok {
			failed = append(failed, e)
		}
	})
	c := newTestController(b, trk, ag)

	tick, err := c.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	require.Error(t, tick.Err)

	require.Len(t, failed, 1)
	assert.Equal(t, bus.ActionRetry, failed[0].Action)
	assert.NotEmpty(t, tick.Result.Error)
	assert.Equal(t, 1, tick.Result.ExitCode)
}

func TestCancelledRunIsNotAFailure(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Status: tracker.StatusOpen})
	ag := &scriptAgent{hang: true}
	b := bus.New()
	var failures int
	b.Subscribe(func(ev bus.Event) {
		if _, ok := ev.(bus.IterationFailed); ok {
			failures++
		}
	})
	c := newTestController(b, trk, ag)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	tick, err := c.RunIteration(ctx, 1)
	require.NoError(t, err)
	require.True(t, errors.Is(tick.Err, context.Canceled))
	assert.Zero(t, failures, "cancellation is not reported as iteration:failed")
}

func TestSkippedTaskNotReselected(t *testing.T) {
	trk := newFakeTracker(tracker.Task{ID: "t1", Status: tracker.StatusOpen})
	c := newTestController(bus.New(), trk, &scriptAgent{})

	c.MarkSkipped("t1")
	_, err := c.RunIteration(context.Background(), 1)
	require.ErrorIs(t, err, ErrNoTasks)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bus.Action
	}{
		{"transient", ierr.NewTransientError("op", fmt.Errorf("io")), bus.ActionRetry},
		{"blocked", ierr.NewBlockedError("op", fmt.Errorf("deps")), bus.ActionSkip},
		{"not ready", ierr.NewNotReadyError("op", fmt.Errorf("auth")), bus.ActionAbort},
		{"config", ierr.NewConfigError("op", fmt.Errorf("bad")), bus.ActionAbort},
		{"unknown", fmt.Errorf("mystery"), bus.ActionRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestBackoff(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}

	assert.Equal(t, 10*time.Millisecond, Backoff(cfg, 1))
	assert.Equal(t, 20*time.Millisecond, Backoff(cfg, 2))
	assert.Equal(t, 40*time.Millisecond, Backoff(cfg, 3))
	assert.Equal(t, 50*time.Millisecond, Backoff(cfg, 4), "capped")
	assert.Equal(t, 50*time.Millisecond, Backoff(cfg, 10), "stays capped")
}

func TestWithJitterBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := withJitter(d)
		assert.GreaterOrEqual(t, got, d)
		assert.LessOrEqual(t, got, d+d/10)
	}
}
