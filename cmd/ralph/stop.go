package main

import (
	"fmt"
	"os"

	"github.com/ralphtui/ralph/internal/control"
	"github.com/ralphtui/ralph/internal/session"
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal the live session in this working directory to stop",
	Long: `Send a best-effort stop to the session holding this working directory.

The live holder is found through the control-plane port file. A holder that
died without cleanup leaves a dead port file; the next run recovers through
stale-lock detection instead.`,
	RunE: runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	store := session.NewStore(cwd)
	if !store.HasPersisted() {
		return fmt.Errorf("no session in %s", cwd)
	}
	sess, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if err := control.Send(cwd, sess.SessionID, control.CommandStop); err != nil {
		return err
	}

	fmt.Printf("Stop signalled to session %s\n", sess.SessionID)
	return nil
}
