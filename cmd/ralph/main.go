package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/ralphtui/ralph/internal/logger"
	"github.com/spf13/cobra"
)

// Version set via ldflags during build
var version = "dev"

func main() {
	// Ensure logger is closed on exit
	defer func() { _ = logger.Close() }()

	if err := fang.Execute(context.Background(), rootCmd, fang.WithVersion(version)); err != nil {
		logger.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Autonomous agent-loop orchestrator",
	Long: `ralph drives an external coding agent over a task backlog: it picks the
next task, builds a prompt, runs the agent to completion, folds the outcome
into durable session state, and iterates until the backlog is exhausted, a
bound is reached, or the operator interrupts.

Agent and tracker backends are plugins; ralph owns the loop, the session
file, the working-directory lock, and graceful shutdown.`,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
}
