// Package agent defines the contract for external coding-agent plugins and
// the runner that drives one invocation. A plugin spawns a particular tool
// as a subprocess; the core only sees the Handle it hands back.
package agent

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ralphtui/ralph/internal/tracker"
)

// Detection is the result of probing for the agent's tooling.
type Detection struct {
	Available bool
	Error     string
}

// Meta describes an agent plugin.
type Meta struct {
	Name    string
	Version string
}

// PromptContext is the session context handed to the plugin when building a
// prompt. The core never inspects the resulting prompt string.
type PromptContext struct {
	SessionID string
	Iteration int
	Model     string
	EpicID    string
	PRDPath   string
	// MCPPort is the local port of the tool server the agent can use to
	// query and close tasks. Zero when the server is disabled.
	MCPPort int
}

// Result is what the subprocess handle resolves to.
type Result struct {
	ExitCode int
	Error    string
}

// Handle is a live agent invocation. Wait blocks until the subprocess
// finishes; Cancel signals it to stop. Stdout and Stderr stream the
// subprocess output and are drained by the runner.
type Handle interface {
	Wait() (*Result, error)
	Cancel() error
	Stdout() io.Reader
	Stderr() io.Reader
}

// ExecuteOptions configures one invocation.
type ExecuteOptions struct {
	Dir string
	Env []string
}

// Agent is the plugin contract. Agents are stateless across invocations;
// each Execute is independent.
type Agent interface {
	// Detect probes whether the agent's tooling is installed.
	Detect() Detection

	// IsReady reports whether the agent can run right now (auth, config).
	IsReady() bool

	// Meta identifies the plugin.
	Meta() Meta

	// BuildPrompt renders the prompt for one task. The core supplies the
	// task and session context and passes the result through opaquely.
	BuildPrompt(task tracker.Task, pctx PromptContext) (string, error)

	// Execute starts the subprocess and returns a handle to it.
	Execute(ctx context.Context, prompt string, opts ExecuteOptions) (Handle, error)
}

// Factory creates an agent instance.
type Factory func(model string) (Agent, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs an agent factory under the given plugin name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New instantiates a registered agent plugin by name.
func New(name, model string) (Agent, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent plugin: %s (registered: %v)", name, Names())
	}
	return factory(model)
}

// Names returns the registered plugin names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
