package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/prowl/internal/storage"
	"github.com/user/prowl/internal/tui"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Launch the terminal dashboard",
	Long: `Launch an interactive terminal dashboard showing the latest session.

The dashboard shows:
- Session state and progress
- Per-target stage status
- Recent sessions

Press 'r' to refresh, 'q' to quit.`,
	RunE: runUI,
}

func runUI(cmd *cobra.Command, args []string) error {
	db, err := storage.Initialize(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	return tui.NewApp(db, cfg).Run()
}
