// Package control is the cross-process control plane for a running session.
// The engine (primary) embeds a NATS server bound to a random localhost
// port, mirrors bus events onto subjects for external observers, and listens
// for stop/pause/resume commands. Other ralph processes (the `stop` verb)
// find the server through a port file under the data directory.
package control

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/ralphtui/ralph/internal/logger"
	"github.com/ralphtui/ralph/internal/session"
)

// PortFileName is the control-plane port file under the data directory.
const PortFileName = "control.port"

// StartEmbedded starts an embedded NATS server on a random localhost port.
// Returns the server and the bound port.
func StartEmbedded() (*server.Server, int, error) {
	logger.Debug("Starting embedded control-plane server")

	opts := &server.Options{
		Host: "127.0.0.1",
		Port: server.RANDOM_PORT,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		logger.Error("Failed to create control server: %v", err)
		return nil, 0, err
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		logger.Error("Control server failed to start within 4s timeout")
		return nil, 0, errors.New("control server failed to start within timeout")
	}

	addr, ok := ns.Addr().(*net.TCPAddr)
	if !ok {
		ns.Shutdown()
		return nil, 0, errors.New("control server bound to unexpected address type")
	}

	logger.Debug("Control server listening on port %d", addr.Port)
	return ns, addr.Port, nil
}

// ConnectToPort connects to a control server on the given localhost port.
func ConnectToPort(port int) (*nats.Conn, error) {
	return nats.Connect(fmt.Sprintf("nats://127.0.0.1:%d", port),
		nats.Timeout(2*time.Second),
		nats.RetryOnFailedConnect(false),
	)
}

// PortFilePath returns the port file path for a working directory.
func PortFilePath(cwd string) string {
	return filepath.Join(cwd, session.DataDirName, PortFileName)
}

// WritePortFile records the control server port for other processes.
func WritePortFile(cwd string, port int) error {
	path := PortFilePath(cwd)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)), 0644); err != nil {
		return fmt.Errorf("failed to write port file: %w", err)
	}
	return nil
}

// ReadPortFile returns the recorded control server port, or an error when no
// live session has published one.
func ReadPortFile(cwd string) (int, error) {
	data, err := os.ReadFile(PortFilePath(cwd))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no control port file: no live session in %s", cwd)
		}
		return 0, fmt.Errorf("failed to read port file: %w", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid port file content: %w", err)
	}
	return port, nil
}

// RemovePortFile deletes the port file. Missing file is not an error.
func RemovePortFile(cwd string) {
	if err := os.Remove(PortFilePath(cwd)); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to remove control port file: %v", err)
	}
}

// Shutdown gracefully drains the connection and stops the server.
func Shutdown(nc *nats.Conn, ns *server.Server) error {
	logger.Debug("Starting control-plane shutdown")

	if nc != nil {
		drainDone := make(chan error, 1)
		go func() {
			drainDone <- nc.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				logger.Warn("Control connection drain failed, forcing close: %v", err)
				nc.Close()
			}
		case <-time.After(2 * time.Second):
			logger.Warn("Control connection drain timed out after 2s, forcing close")
			nc.Close()
		}
	}

	if ns != nil {
		ns.Shutdown()

		shutdownDone := make(chan struct{})
		go func() {
			ns.WaitForShutdown()
			close(shutdownDone)
		}()

		select {
		case <-shutdownDone:
			logger.Debug("Control server shut down cleanly")
		case <-time.After(5 * time.Second):
			logger.Error("Control server shutdown timed out after 5s")
			return errors.New("control server shutdown timed out")
		}
	}

	return nil
}
