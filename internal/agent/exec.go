package agent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/ralphtui/ralph/internal/logger"
)

// CommandHandle adapts an exec.Cmd to the Handle contract. Plugins that
// spawn their tool as a plain subprocess wrap it with StartCommand instead of
// reimplementing pipe wiring and signal escalation.
type CommandHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	waitErr  error
}

// StartCommand wires the command's pipes, optionally writes prompt to stdin,
// and starts the process.
func StartCommand(cmd *exec.Cmd, prompt string) (*CommandHandle, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	var stdin io.WriteCloser
	if prompt != "" {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
	}

	logger.Debug("Starting agent subprocess: %s", cmd.Path)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent subprocess: %w", err)
	}

	if stdin != nil {
		go func() {
			if _, err := io.WriteString(stdin, prompt); err != nil {
				logger.Warn("Failed to write prompt to agent stdin: %v", err)
			}
			stdin.Close()
		}()
	}

	return &CommandHandle{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// Wait blocks until the process exits and resolves the exit code.
func (h *CommandHandle) Wait() (*Result, error) {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
	})

	if h.waitErr == nil {
		return &Result{ExitCode: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		return &Result{ExitCode: exitErr.ExitCode()}, nil
	}
	return nil, h.waitErr
}

// Cancel sends an interrupt to the process so it can shut down cleanly.
func (h *CommandHandle) Cancel() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		// Fall back to kill when interrupt delivery is unsupported.
		return h.cmd.Process.Kill()
	}
	return nil
}

// Kill terminates the process immediately.
func (h *CommandHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// Stdout returns the process stdout pipe.
func (h *CommandHandle) Stdout() io.Reader { return h.stdout }

// Stderr returns the process stderr pipe.
func (h *CommandHandle) Stderr() io.Reader { return h.stderr }
