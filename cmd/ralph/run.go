package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ralphtui/ralph/internal/bus"
	"github.com/ralphtui/ralph/internal/config"
	"github.com/ralphtui/ralph/internal/engine"
	"github.com/ralphtui/ralph/internal/lock"
	"github.com/ralphtui/ralph/internal/logger"
	"github.com/ralphtui/ralph/internal/orchestrator"
	"github.com/spf13/cobra"
)

var runFlags struct {
	agent          string
	tracker        string
	model          string
	epic           string
	prd            string
	maxIterations  int
	delayMS        int
	headless       bool
	force          bool
	nonInteractive bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new session over the task backlog",
	Long: `Start a new session in the current working directory.

A cooperative lock prevents concurrent sessions in one working tree: a lock
left by a crashed run is taken over silently, a live holder fails the start
unless --force is given or, in an interactive run, the takeover prompt is
answered with y.`,
	RunE: runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a persisted session",
	Long: `Resume the persisted session in the current working directory.

The session must be resumable: interrupted, paused, or still running at the
time of a crash, with tasks left to do. The session keeps its id and
iteration counters.`,
	RunE: runResume,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().StringVarP(&runFlags.agent, "agent", "a", "", "Agent plugin name")
		cmd.Flags().StringVarP(&runFlags.tracker, "tracker", "t", "", "Tracker plugin name")
		cmd.Flags().StringVarP(&runFlags.model, "model", "m", "", "Model passed to the agent plugin")
		cmd.Flags().StringVar(&runFlags.epic, "epic", "", "Epic ID to scope the backlog")
		cmd.Flags().StringVar(&runFlags.prd, "prd", "", "PRD path handed to the agent")
		cmd.Flags().IntVarP(&runFlags.maxIterations, "max-iterations", "i", 0, "Max iterations, 0=unbounded")
		cmd.Flags().IntVar(&runFlags.delayMS, "iteration-delay-ms", 0, "Delay between iterations")
		cmd.Flags().BoolVar(&runFlags.headless, "headless", false, "Run without interactive prompts")
		cmd.Flags().BoolVar(&runFlags.force, "force", false, "Take over a live lock")
		cmd.Flags().BoolVar(&runFlags.nonInteractive, "non-interactive", false, "Never prompt; lock conflicts are hard errors")
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	return startSession(false)
}

func runResume(cmd *cobra.Command, args []string) error {
	return startSession(true)
}

// startSession builds the orchestrator config from file/env/flag precedence
// and drives one run to completion.
func startSession(resume bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	if lvl, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.Default.SetLevel(lvl)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		AgentPlugin:    cfg.Agent,
		TrackerPlugin:  cfg.Tracker,
		Model:          cfg.Model,
		EpicID:         cfg.Epic,
		PRDPath:        cfg.PRDPath,
		MaxIterations:  cfg.MaxIterations,
		IterationDelay: time.Duration(cfg.IterationDelayMS) * time.Millisecond,
		AgentTimeout:   time.Duration(cfg.AgentTimeoutMS) * time.Millisecond,
		Retry: engine.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		},
		Headless:       cfg.Headless,
		Force:          runFlags.force,
		NonInteractive: runFlags.nonInteractive,
		Resume:         resume,
	})
	if err != nil {
		return err
	}

	attachConsole(orch.Bus())

	if err := orch.Start(); err != nil {
		var conflict *lock.ConflictError
		if errors.As(err, &conflict) {
			fmt.Fprintf(os.Stderr, "Error: %v\nUse --force to take over.\n", conflict)
			os.Exit(1)
		}
		return err
	}
	defer func() {
		if err := orch.Stop(); err != nil {
			logger.Error("Shutdown finished with errors: %v", err)
		}
	}()

	reason, err := orch.Run()
	if err != nil {
		return err
	}

	switch reason {
	case engine.ReasonInterrupted, engine.ReasonPausedExit:
		if err := orch.Stop(); err != nil {
			logger.Error("Shutdown finished with errors: %v", err)
		}
		os.Exit(130)
	case engine.ReasonFatal:
		return fmt.Errorf("run terminated: %s", reason)
	}
	return nil
}

// applyFlags overlays explicitly set CLI flags on the loaded config.
func applyFlags(cfg *config.Config) {
	if runFlags.agent != "" {
		cfg.Agent = runFlags.agent
	}
	if runFlags.tracker != "" {
		cfg.Tracker = runFlags.tracker
	}
	if runFlags.model != "" {
		cfg.Model = runFlags.model
	}
	if runFlags.epic != "" {
		cfg.Epic = runFlags.epic
	}
	if runFlags.prd != "" {
		cfg.PRDPath = runFlags.prd
	}
	if runFlags.maxIterations != 0 {
		cfg.MaxIterations = runFlags.maxIterations
	}
	if runFlags.delayMS != 0 {
		cfg.IterationDelayMS = runFlags.delayMS
	}
	if runFlags.headless {
		cfg.Headless = true
	}
}

// attachConsole subscribes a minimal line renderer so headless runs show
// progress. Richer renderers subscribe the same way.
func attachConsole(b *bus.Bus) {
	b.Subscribe(func(ev bus.Event) {
		switch e := ev.(type) {
		case bus.EngineStarted:
			fmt.Printf("=== %d task(s) in backlog ===\n", e.TotalTasks)
		case bus.TaskSelected:
			fmt.Printf("[#%d] %s: %s\n", e.Iteration, e.Task.ID, e.Task.Title)
		case bus.AgentOutput:
			if e.Stream == bus.StreamStdout {
				fmt.Println(e.Data)
			} else {
				fmt.Fprintln(os.Stderr, e.Data)
			}
		case bus.IterationCompleted:
			fmt.Printf("✓ Iteration #%d complete (%dms)\n", e.Result.Iteration, e.Result.DurationMS)
		case bus.IterationFailed:
			fmt.Fprintf(os.Stderr, "✗ Iteration #%d failed: %s (%s)\n", e.Iteration, e.Error, e.Action)
		case bus.IterationRetrying:
			fmt.Printf("↻ Retrying (%d/%d) in %s\n", e.RetryAttempt, e.MaxRetries, e.Delay)
		case bus.IterationSkipped:
			fmt.Printf("- Skipped: %s\n", e.Reason)
		case bus.TaskCompleted:
			fmt.Printf("✔ Task %s completed\n", e.TaskID)
		case bus.AllComplete:
			fmt.Printf("All %d task(s) complete after %d iteration(s)\n", e.TotalCompleted, e.TotalIterations)
		case bus.EngineStopped:
			fmt.Printf("Stopped: %s (%d iterations, %d completed)\n", e.Reason, e.TotalIterations, e.TasksCompleted)
		}
	})
}
