package control

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	"github.com/nats-io/nats.go"
	"github.com/ralphtui/ralph/internal/bus"
	"github.com/ralphtui/ralph/internal/logger"
)

// Command is a control-plane request to a live session.
type Command string

const (
	CommandStop   Command = "stop"
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
)

// SubjectToken sanitises a session identifier into a NATS subject token.
func SubjectToken(sessionID string) string {
	return slug.Make(sessionID)
}

// EventSubject returns the subject an event type is mirrored on.
// Example: ralph.<token>.events.engine.started
func EventSubject(sessionID, eventType string) string {
	return fmt.Sprintf("ralph.%s.events.%s", SubjectToken(sessionID), strings.ReplaceAll(eventType, ":", "."))
}

// CommandSubject returns the subject commands for a session arrive on.
func CommandSubject(sessionID string) string {
	return fmt.Sprintf("ralph.%s.control", SubjectToken(sessionID))
}

// envelope is the wire form of a mirrored event.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge mirrors bus events onto the control plane and dispatches inbound
// commands. Pure observer: a broken connection never affects the engine.
type Bridge struct {
	nc        *nats.Conn
	sessionID string

	unsubscribe func()
	cmdSub      *nats.Subscription
}

// NewBridge creates a bridge over an established connection.
func NewBridge(nc *nats.Conn, sessionID string) *Bridge {
	return &Bridge{nc: nc, sessionID: sessionID}
}

// Attach subscribes the bridge to the bus and starts mirroring.
func (b *Bridge) Attach(eventBus *bus.Bus) {
	b.unsubscribe = eventBus.Subscribe(func(ev bus.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			logger.Warn("Failed to marshal event %s for mirroring: %v", ev.Type(), err)
			return
		}
		data, err := json.Marshal(envelope{Type: ev.Type(), Payload: payload})
		if err != nil {
			return
		}
		if err := b.nc.Publish(EventSubject(b.sessionID, ev.Type()), data); err != nil {
			logger.Debug("Event mirror publish failed: %v", err)
		}
	})
}

// Handlers receive inbound control commands.
type Handlers struct {
	OnStop   func()
	OnPause  func()
	OnResume func()
}

// ListenCommands subscribes to the session's command subject.
func (b *Bridge) ListenCommands(handlers Handlers) error {
	sub, err := b.nc.Subscribe(CommandSubject(b.sessionID), func(msg *nats.Msg) {
		cmd := Command(strings.TrimSpace(string(msg.Data)))
		logger.Info("Control command received: %s", cmd)
		switch cmd {
		case CommandStop:
			if handlers.OnStop != nil {
				handlers.OnStop()
			}
		case CommandPause:
			if handlers.OnPause != nil {
				handlers.OnPause()
			}
		case CommandResume:
			if handlers.OnResume != nil {
				handlers.OnResume()
			}
		default:
			logger.Warn("Unknown control command: %q", cmd)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to command subject: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("failed to flush command subscription: %w", err)
	}
	b.cmdSub = sub
	return nil
}

// Detach stops mirroring and command dispatch.
func (b *Bridge) Detach() {
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
	if b.cmdSub != nil {
		if err := b.cmdSub.Unsubscribe(); err != nil {
			logger.Debug("Command unsubscribe failed: %v", err)
		}
		b.cmdSub = nil
	}
}

// Send publishes a command to the live session in cwd, found via the port
// file. Best-effort: a dead port file means no live holder.
func Send(cwd, sessionID string, cmd Command) error {
	port, err := ReadPortFile(cwd)
	if err != nil {
		return err
	}

	nc, err := ConnectToPort(port)
	if err != nil {
		return fmt.Errorf("failed to reach live session (stale port file?): %w", err)
	}
	defer nc.Close()

	if err := nc.Publish(CommandSubject(sessionID), []byte(cmd)); err != nil {
		return fmt.Errorf("failed to publish %s command: %w", cmd, err)
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s command: %w", cmd, err)
	}
	return nil
}
