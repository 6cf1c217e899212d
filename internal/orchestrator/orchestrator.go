// Package orchestrator assembles one run: lock acquisition, plugin
// resolution, session creation or resume, the control plane, the MCP tool
// server, interrupt wiring, and the engine itself.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/ralphtui/ralph/internal/agent"
	"github.com/ralphtui/ralph/internal/bus"
	"github.com/ralphtui/ralph/internal/control"
	"github.com/ralphtui/ralph/internal/engine"
	ierr "github.com/ralphtui/ralph/internal/errors"
	"github.com/ralphtui/ralph/internal/hooks"
	"github.com/ralphtui/ralph/internal/interrupt"
	"github.com/ralphtui/ralph/internal/lock"
	"github.com/ralphtui/ralph/internal/logger"
	"github.com/ralphtui/ralph/internal/mcpserver"
	"github.com/ralphtui/ralph/internal/session"
	"github.com/ralphtui/ralph/internal/tracker"
)

// Config holds configuration for the orchestrator.
type Config struct {
	Cwd            string
	AgentPlugin    string
	TrackerPlugin  string
	TrackerOptions map[string]string
	Model          string
	EpicID         string
	PRDPath        string
	MaxIterations  int
	IterationDelay time.Duration
	AgentTimeout   time.Duration
	Retry          engine.RetryConfig
	Headless       bool
	Force          bool
	NonInteractive bool
	// Resume requires a resumable persisted session instead of creating one.
	Resume bool
}

// Orchestrator manages the full lifetime of one run.
type Orchestrator struct {
	cfg Config

	bus    *bus.Bus
	store  *session.Store
	lock   *lock.Manager
	sess   *session.Session
	agent  agent.Agent
	trk    tracker.Tracker
	eng    *engine.Engine
	coord  *interrupt.Coordinator
	mcp    *mcpserver.Server
	ns     *natsserver.Server
	nc     *natsgo.Conn
	bridge *control.Bridge

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// New creates an orchestrator with the given configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.Cwd = wd
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		cfg:    cfg,
		bus:    bus.New(),
		store:  session.NewStore(cfg.Cwd),
		lock:   lock.NewManager(cfg.Cwd),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Bus exposes the event bus so observers (a console renderer, a TUI) can
// subscribe before Run.
func (o *Orchestrator) Bus() *bus.Bus {
	return o.bus
}

// Session returns the active session snapshot, nil before Start.
func (o *Orchestrator) Session() *session.Session {
	return o.sess
}

// Start initializes all components: resolves plugins, validates the agent
// environment, acquires the lock, and builds or reloads the session.
func (o *Orchestrator) Start() error {
	logger.Info("Starting orchestrator in %s", o.cfg.Cwd)

	// Configuration errors are fatal before the loop starts.
	trk, err := tracker.New(o.cfg.TrackerPlugin, o.cfg.Cwd, o.cfg.TrackerOptions)
	if err != nil {
		return ierr.NewConfigError("resolve tracker plugin", err)
	}
	o.trk = trk

	ag, err := agent.New(o.cfg.AgentPlugin, o.cfg.Model)
	if err != nil {
		return ierr.NewConfigError("resolve agent plugin", err)
	}
	o.agent = ag

	if det := ag.Detect(); !det.Available {
		return ierr.NewNotReadyError("agent detect",
			fmt.Errorf("agent %s unavailable: %s", o.cfg.AgentPlugin, det.Error))
	}
	if !ag.IsReady() {
		return ierr.NewNotReadyError("agent readiness",
			fmt.Errorf("agent %s is not ready (authentication or configuration missing)", o.cfg.AgentPlugin))
	}

	// A crashed save may have left a temp file behind; it is dead weight.
	o.store.CleanTemp()

	if o.cfg.Resume {
		if err := o.loadSession(); err != nil {
			return err
		}
	} else {
		if err := o.createSession(); err != nil {
			return err
		}
	}

	if err := o.lock.Acquire(o.sess.SessionID, lock.Options{
		Force:          o.cfg.Force,
		NonInteractive: o.cfg.NonInteractive,
		Prompt:         o.lockPrompt(),
	}); err != nil {
		return err
	}
	o.lock.RegisterCleanup()

	if err := o.store.Save(o.sess); err != nil {
		return fmt.Errorf("failed to persist initial session: %w", err)
	}

	o.startMCP()

	controller := engine.NewController(engine.ControllerConfig{
		Bus:       o.bus,
		Tracker:   o.trk,
		Agent:     o.agent,
		Runner:    agent.NewRunner(o.bus),
		Cwd:       o.cfg.Cwd,
		Timeout:   o.cfg.AgentTimeout,
		AgentEnv:  o.agentEnv(),
		SessionID: o.sess.SessionID,
		Model:     o.cfg.Model,
		EpicID:    o.cfg.EpicID,
		PRDPath:   o.cfg.PRDPath,
		MCPPort:   o.mcpPort(),
	})

	hookCfg, err := hooks.LoadConfig(o.cfg.Cwd)
	if err != nil {
		logger.Warn("Ignoring broken hooks config: %v", err)
	}

	o.eng = engine.New(engine.Config{
		MaxIterations:  o.cfg.MaxIterations,
		IterationDelay: o.cfg.IterationDelay,
		Retry:          o.cfg.Retry,
	}, o.bus, o.store, o.sess, controller, hookCfg, o.cfg.Cwd)

	// The core ships no confirmation dialog; a TUI layered on top registers
	// its own coordinator callbacks. Here the first interrupt commits to
	// graceful shutdown, the second force-quits.
	o.coord = interrupt.New(interrupt.Config{Headless: true}, interrupt.Callbacks{
		OnConfirm: func() {
			o.cancel()
		},
		OnForceQuit: func() {
			// Nothing user-level is guaranteed here; stale-pid detection on
			// the next start restores progress.
			os.Exit(137)
		},
	})
	o.coord.Notify()

	o.startControlPlane()

	logger.Info("Orchestrator started for session %s", o.sess.SessionID)
	return nil
}

// Run executes the engine loop and returns its termination reason.
func (o *Orchestrator) Run() (string, error) {
	if o.eng == nil {
		return "", fmt.Errorf("orchestrator not started")
	}
	return o.eng.Run(o.ctx)
}

// Pause checkpoints the engine; Resume continues it.
func (o *Orchestrator) Pause()  { o.eng.Pause() }
func (o *Orchestrator) Resume() { o.eng.Resume() }

// Stop gracefully shuts down all components. Safe to call more than once.
func (o *Orchestrator) Stop() error {
	if o.stopped {
		return nil
	}
	o.stopped = true

	logger.Info("Stopping orchestrator")
	multiErr := &ierr.MultiError{}

	if o.cancel != nil {
		o.cancel()
	}
	if o.coord != nil {
		o.coord.Stop()
	}

	if o.bridge != nil {
		o.bridge.Detach()
	}
	if o.ns != nil || o.nc != nil {
		control.RemovePortFile(o.cfg.Cwd)
		if err := control.Shutdown(o.nc, o.ns); err != nil {
			multiErr.Append(fmt.Errorf("control plane shutdown failed: %w", err))
		}
		o.nc = nil
		o.ns = nil
	}

	if o.mcp != nil {
		if err := o.mcp.Stop(); err != nil {
			multiErr.Append(fmt.Errorf("MCP server shutdown failed: %w", err))
		}
		o.mcp = nil
	}

	o.lock.UnregisterCleanup()
	if err := o.lock.Release(); err != nil {
		// Logged, never fatal: stale-lock recovery repairs it next run.
		logger.Error("Lock release failed: %v", err)
		multiErr.Append(err)
	}

	logger.Info("Orchestrator stopped")
	return multiErr.ErrorOrNil()
}

// createSession snapshots the tracker and builds a fresh session.
func (o *Orchestrator) createSession() error {
	tasks, err := o.trk.GetTasks(tracker.Filter{})
	if err != nil {
		return fmt.Errorf("failed to snapshot tracker tasks: %w", err)
	}

	o.sess = session.New(session.Params{
		AgentPlugin:   o.cfg.AgentPlugin,
		TrackerPlugin: o.cfg.TrackerPlugin,
		Model:         o.cfg.Model,
		EpicID:        o.cfg.EpicID,
		PRDPath:       o.cfg.PRDPath,
		MaxIterations: o.cfg.MaxIterations,
		Cwd:           o.cfg.Cwd,
		Tasks:         tasks,
	})
	logger.Info("Created session %s with %d tasks", o.sess.SessionID, o.sess.TotalTasks)
	return nil
}

// loadSession reloads a persisted resumable session, keeping its id and
// counters.
func (o *Orchestrator) loadSession() error {
	if !o.store.HasPersisted() {
		return fmt.Errorf("no persisted session in %s", o.cfg.Cwd)
	}
	sess, err := o.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if !sess.Resumable() {
		return fmt.Errorf("session %s is not resumable (status %s, %d/%d tasks)",
			sess.SessionID, sess.Status, sess.TasksCompleted, sess.TotalTasks)
	}

	fmt.Printf("Resuming %s\n", sess.Summary())
	sess.Resume()
	o.sess = sess
	logger.Info("Resumed session %s at iteration %d", sess.SessionID, sess.CurrentIteration)
	return nil
}

// lockPrompt asks the operator about a live lock conflict in interactive
// mode.
func (o *Orchestrator) lockPrompt() func(lock.Info) bool {
	if o.cfg.NonInteractive || o.cfg.Headless {
		return nil
	}
	return func(holder lock.Info) bool {
		fmt.Printf("Working directory is locked by pid %d (session %s).\n", holder.PID, holder.SessionID)
		fmt.Print("Take over the lock? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		return response == "y" || response == "Y"
	}
}

// startMCP starts the tool server. Failures degrade: agents simply lose the
// native task tools.
func (o *Orchestrator) startMCP() {
	o.mcp = mcpserver.New(o.trk, o.sess.SessionID, func() string {
		return o.sess.Summary()
	})
	if _, err := o.mcp.Start(o.ctx); err != nil {
		logger.Warn("MCP server failed to start, agent runs without task tools: %v", err)
		o.mcp = nil
	}
}

// startControlPlane starts the embedded NATS server, mirrors events, and
// listens for stop/pause/resume from other ralph processes.
func (o *Orchestrator) startControlPlane() {
	ns, port, err := control.StartEmbedded()
	if err != nil {
		logger.Warn("Control plane unavailable, `ralph stop` will not reach this session: %v", err)
		return
	}
	nc, err := control.ConnectToPort(port)
	if err != nil {
		logger.Warn("Control plane connect failed: %v", err)
		ns.Shutdown()
		return
	}
	if err := control.WritePortFile(o.cfg.Cwd, port); err != nil {
		logger.Warn("Control port file write failed: %v", err)
	}

	o.ns = ns
	o.nc = nc
	o.bridge = control.NewBridge(nc, o.sess.SessionID)
	o.bridge.Attach(o.bus)
	if err := o.bridge.ListenCommands(control.Handlers{
		OnStop:   func() { o.cancel() },
		OnPause:  func() { o.eng.Pause() },
		OnResume: func() { o.eng.Resume() },
	}); err != nil {
		logger.Warn("Control command subscription failed: %v", err)
	}
}

// mcpPort returns the running tool server port, zero when disabled.
func (o *Orchestrator) mcpPort() int {
	if o.mcp == nil {
		return 0
	}
	return o.mcp.Port()
}

// agentEnv is the extra environment handed to agent subprocesses.
func (o *Orchestrator) agentEnv() []string {
	env := os.Environ()
	if port := o.mcpPort(); port > 0 {
		env = append(env, fmt.Sprintf("RALPH_MCP_PORT=%d", port))
	}
	env = append(env, fmt.Sprintf("RALPH_SESSION_ID=%s", o.sess.SessionID))
	return env
}
