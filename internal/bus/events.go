package bus

import (
	"encoding/json"
	"time"

	"github.com/ralphtui/ralph/internal/session"
	"github.com/ralphtui/ralph/internal/tracker"
)

// Event is a tagged progress event carried on the bus. Type returns the wire
// name observers and the control plane key on.
type Event interface {
	Type() string
}

// Stream identifies the origin of agent output.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Action is the engine's recommended reaction to a failed iteration.
type Action string

const (
	ActionRetry Action = "retry"
	ActionSkip  Action = "skip"
	ActionAbort Action = "abort"
)

// EngineStarted is emitted once when the loop begins.
type EngineStarted struct {
	TotalTasks int `json:"total_tasks"`
}

func (EngineStarted) Type() string { return "engine:started" }

// EnginePaused is emitted when the loop checkpoints into pause.
type EnginePaused struct {
	CurrentIteration int `json:"current_iteration"`
}

func (EnginePaused) Type() string { return "engine:paused" }

// EngineResumed is emitted when a paused loop continues.
type EngineResumed struct {
	FromIteration int `json:"from_iteration"`
}

func (EngineResumed) Type() string { return "engine:resumed" }

// EngineStopped is the terminal event of a run.
type EngineStopped struct {
	Reason          string `json:"reason"`
	TotalIterations int    `json:"total_iterations"`
	TasksCompleted  int    `json:"tasks_completed"`
}

func (EngineStopped) Type() string { return "engine:stopped" }

// IterationStarted is emitted after a task is selected and the prompt built.
type IterationStarted struct {
	Iteration int          `json:"iteration"`
	Task      tracker.Task `json:"task"`
}

func (IterationStarted) Type() string { return "iteration:started" }

// IterationCompleted carries the folded result of one iteration.
type IterationCompleted struct {
	Result session.IterationResult `json:"result"`
}

func (IterationCompleted) Type() string { return "iteration:completed" }

// IterationFailed is emitted when the agent run fails, together with the
// policy's recommended action.
type IterationFailed struct {
	Iteration int          `json:"iteration"`
	Task      tracker.Task `json:"task"`
	Error     string       `json:"error"`
	Action    Action       `json:"action"`
}

func (IterationFailed) Type() string { return "iteration:failed" }

// IterationRetrying is emitted before a backoff sleep.
type IterationRetrying struct {
	Iteration    int           `json:"iteration"`
	Task         tracker.Task  `json:"task"`
	RetryAttempt int           `json:"retry_attempt"`
	MaxRetries   int           `json:"max_retries"`
	Delay        time.Duration `json:"delay_ms"`
}

func (IterationRetrying) Type() string { return "iteration:retrying" }

// MarshalJSON writes Delay as whole milliseconds under delay_ms.
func (e IterationRetrying) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Iteration    int          `json:"iteration"`
		Task         tracker.Task `json:"task"`
		RetryAttempt int          `json:"retry_attempt"`
		MaxRetries   int          `json:"max_retries"`
		DelayMS      int64        `json:"delay_ms"`
	}{e.Iteration, e.Task, e.RetryAttempt, e.MaxRetries, e.Delay.Milliseconds()})
}

// IterationSkipped is emitted when no eligible task exists or a task is
// passed over.
type IterationSkipped struct {
	Iteration int    `json:"iteration"`
	TaskID    string `json:"task_id,omitempty"`
	Reason    string `json:"reason"`
}

func (IterationSkipped) Type() string { return "iteration:skipped" }

// AgentOutput carries one chunk of subprocess output.
type AgentOutput struct {
	Stream Stream `json:"stream"`
	Data   string `json:"data"`
}

func (AgentOutput) Type() string { return "agent:output" }

// TaskSelected is emitted when the controller picks the next task.
type TaskSelected struct {
	Task      tracker.Task `json:"task"`
	Iteration int          `json:"iteration"`
}

func (TaskSelected) Type() string { return "task:selected" }

// TaskCompleted is emitted when the tracker reports a task closed.
type TaskCompleted struct {
	TaskID    string `json:"task_id"`
	Iteration int    `json:"iteration"`
}

func (TaskCompleted) Type() string { return "task:completed" }

// AllComplete is emitted when the backlog is exhausted.
type AllComplete struct {
	TotalCompleted  int `json:"total_completed"`
	TotalIterations int `json:"total_iterations"`
}

func (AllComplete) Type() string { return "all:complete" }
