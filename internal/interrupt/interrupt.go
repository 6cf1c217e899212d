// Package interrupt implements the signal-driven two-phase shutdown machine.
// The first interrupt asks for confirmation (or, headless, commits to a
// graceful stop); a second interrupt inside the double-press window escalates
// to force-quit. All external effects go through callbacks supplied at
// construction.
package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ralphtui/ralph/internal/logger"
)

// State is the coordinator's current phase.
type State int

const (
	// StateIdle means no interrupt is in flight.
	StateIdle State = iota
	// StatePending means an interrupt arrived and awaits confirm/cancel.
	StatePending
	// StateConfirmed means graceful shutdown has been committed.
	StateConfirmed
	// StateForceQuit means a second interrupt escalated to immediate exit.
	StateForceQuit
)

// String returns the string representation of a state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateForceQuit:
		return "force_quit"
	default:
		return "unknown"
	}
}

// DefaultDoublePressWindow is how long a second interrupt escalates to
// force-quit.
const DefaultDoublePressWindow = time.Second

// Callbacks are the coordinator's only external surface. OnForceQuit is
// expected to terminate the process; the coordinator never exits itself.
type Callbacks struct {
	OnConfirm    func()
	OnCancel     func()
	OnForceQuit  func()
	OnShowPrompt func()
	OnHidePrompt func()
}

// Config configures the coordinator.
type Config struct {
	// DoublePressWindow is the escalation window. Zero means the default.
	DoublePressWindow time.Duration
	// Headless collapses the confirmation dialog: the first interrupt
	// commits to graceful shutdown immediately.
	Headless bool
}

// Coordinator drives the Idle -> Pending -> (Confirmed | Idle) machine with
// force-quit escalation on double press.
type Coordinator struct {
	mu      sync.Mutex
	state   State
	cfg     Config
	cb      Callbacks
	timer   *time.Timer
	sigCh   chan os.Signal
	stopSig chan struct{}
}

// New creates a coordinator with the given configuration and callbacks.
func New(cfg Config, cb Callbacks) *Coordinator {
	if cfg.DoublePressWindow <= 0 {
		cfg.DoublePressWindow = DefaultDoublePressWindow
	}
	return &Coordinator{cfg: cfg, cb: cb}
}

// State returns the current phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Interrupt records one interrupt press (signal or keyboard shortcut).
func (c *Coordinator) Interrupt() {
	c.mu.Lock()

	switch c.state {
	case StateIdle:
		if c.cfg.Headless {
			// Headless has no dialog: commit to graceful shutdown now.
			c.state = StateConfirmed
			c.armWindowLocked(nil)
			c.mu.Unlock()
			logger.Info("Interrupt received, shutting down gracefully (press again to force quit)")
			c.invoke(c.cb.OnConfirm)
			return
		}
		c.state = StatePending
		c.armWindowLocked(c.expirePending)
		c.mu.Unlock()
		c.invoke(c.cb.OnShowPrompt)

	case StatePending, StateConfirmed:
		c.state = StateForceQuit
		c.disarmWindowLocked()
		c.mu.Unlock()
		logger.Warn("Second interrupt, force quitting")
		c.invoke(c.cb.OnForceQuit)

	default:
		c.mu.Unlock()
	}
}

// Confirm commits a pending interrupt to graceful shutdown.
func (c *Coordinator) Confirm() {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return
	}
	c.state = StateConfirmed
	c.disarmWindowLocked()
	c.mu.Unlock()

	c.invoke(c.cb.OnHidePrompt)
	c.invoke(c.cb.OnConfirm)
}

// Cancel dismisses a pending interrupt and returns to idle.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.disarmWindowLocked()
	c.mu.Unlock()

	c.invoke(c.cb.OnHidePrompt)
	c.invoke(c.cb.OnCancel)
}

// Notify wires OS signals into the coordinator. Stop tears the wiring down.
func (c *Coordinator) Notify(signals ...os.Signal) {
	c.mu.Lock()
	if c.sigCh != nil {
		c.mu.Unlock()
		return
	}
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	c.sigCh = make(chan os.Signal, 2)
	c.stopSig = make(chan struct{})
	sigCh, stopSig := c.sigCh, c.stopSig
	c.mu.Unlock()

	signal.Notify(sigCh, signals...)
	go func() {
		for {
			select {
			case <-sigCh:
				c.Interrupt()
			case <-stopSig:
				return
			}
		}
	}()
}

// Stop removes signal wiring and any pending window timer.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarmWindowLocked()
	if c.sigCh != nil {
		signal.Stop(c.sigCh)
		close(c.stopSig)
		c.sigCh = nil
		c.stopSig = nil
	}
}

// expirePending fires when the double-press window elapses with no decision:
// the pending interrupt is dismissed.
func (c *Coordinator) expirePending() {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.timer = nil
	c.mu.Unlock()

	c.invoke(c.cb.OnHidePrompt)
	c.invoke(c.cb.OnCancel)
}

// armWindowLocked starts the double-press window. When onExpiry is nil no
// timer is started, so escalation to force-quit is not time-bounded.
func (c *Coordinator) armWindowLocked(onExpiry func()) {
	c.disarmWindowLocked()
	if onExpiry == nil {
		return
	}
	c.timer = time.AfterFunc(c.cfg.DoublePressWindow, onExpiry)
}

func (c *Coordinator) disarmWindowLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) invoke(fn func()) {
	if fn != nil {
		fn()
	}
}
