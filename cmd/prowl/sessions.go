package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/storage"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions",
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Number of sessions to show")
}

func runSessions(cmd *cobra.Command, args []string) error {
	db, err := storage.Initialize(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	list, err := storage.NewSessionStorage(db).ListSessions(context.Background(), sessionsLimit)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(list) == 0 {
		color.Yellow("No sessions recorded yet")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %-10s  %-16s  %s\n", "ID", "NETWORK", "STATE", "STARTED", "DONE")
	for _, s := range list {
		state := fmt.Sprintf("%-10s", s.State)
		switch s.State {
		case model.SessionActive:
			state = color.GreenString(state)
		case model.SessionSuspended:
			state = color.YellowString(state)
		}
		fmt.Printf("%-36s  %-20s  %s  %-16s  %d/%d\n",
			s.ID, s.NetworkID, state, s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.Summary.Done, s.Summary.Targets)
		if s.Error != "" {
			color.Red("  %s", s.Error)
		}
	}
	return nil
}
