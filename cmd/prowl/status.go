package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/user/prowl/internal/daemon"
	"github.com/user/prowl/internal/display"
	"github.com/user/prowl/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  "Show the current status of the prowl daemon and its active session.",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		MarginBottom(1)

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("86"))

	runningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	stoppedStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("196")).
		Bold(true)

	running, pid := daemon.CheckRunning(cfg.DataDir)

	fmt.Println(titleStyle.Render("Prowl Status"))
	fmt.Println()

	fmt.Print(labelStyle.Render("Daemon: "))
	if running {
		fmt.Println(runningStyle.Render(fmt.Sprintf("Running (PID %d)", pid)))
	} else {
		fmt.Println(stoppedStyle.Render("Stopped"))
	}

	if ds, err := daemon.ReadStatusFile(cfg.DataDir); err == nil && running {
		fmt.Print(labelStyle.Render("Started: "))
		fmt.Println(valueStyle.Render(ds.StartTime.Format("2006-01-02 15:04:05")))

		fmt.Print(labelStyle.Render("Uptime: "))
		fmt.Println(valueStyle.Render(ds.Uptime))

		if ds.Network != "" {
			fmt.Print(labelStyle.Render("Network: "))
			fmt.Println(valueStyle.Render(ds.Network))
		}

		if len(ds.Jobs) > 0 {
			fmt.Println()
			fmt.Println(titleStyle.Render("Jobs"))

			for _, job := range ds.Jobs {
				statusStr := "idle"
				if job.Running {
					statusStr = "running"
				}
				fmt.Printf("  %s: %s (last: %s, errors: %d)\n",
					labelStyle.Render(job.Name),
					valueStyle.Render(statusStr),
					job.LastRun.Format("15:04:05"),
					job.ErrorCount)
			}
		}
	}

	if st, err := display.ReadStatus(filepath.Join(cfg.DataDir, display.StatusFileName)); err == nil && st.SessionID != "" {
		fmt.Println()
		fmt.Println(titleStyle.Render("Session"))
		fmt.Printf("  %s %s\n", labelStyle.Render("ID:"), valueStyle.Render(st.SessionID))
		fmt.Printf("  %s %s\n", labelStyle.Render("Network:"), valueStyle.Render(st.NetworkID))
		fmt.Printf("  %s %s\n", labelStyle.Render("State:"), valueStyle.Render(string(st.State)))
		fmt.Printf("  %s %s\n", labelStyle.Render("Targets:"),
			valueStyle.Render(fmt.Sprintf("%d (%d done, %d failed, %d pending)",
				st.Summary.Targets, st.Summary.Done, st.Summary.Failed, st.Summary.Pending)))
		fmt.Printf("  %s %s\n", labelStyle.Render("Findings:"),
			valueStyle.Render(fmt.Sprintf("%d vulns, %d exploited, %d files",
				st.Summary.Vulns, st.Summary.Exploited, st.Summary.Files)))
		return nil
	}

	db, err := storage.Initialize(cfg.DataDir)
	if err != nil {
		return nil
	}
	defer db.Close()

	list, err := storage.NewSessionStorage(db).ListSessions(context.Background(), 1)
	if err == nil && len(list) > 0 {
		s := list[0]
		fmt.Println()
		fmt.Println(titleStyle.Render("Last Session"))
		fmt.Printf("  %s %s\n", labelStyle.Render("ID:"), valueStyle.Render(s.ID))
		fmt.Printf("  %s %s\n", labelStyle.Render("Network:"), valueStyle.Render(s.NetworkID))
		fmt.Printf("  %s %s\n", labelStyle.Render("State:"), valueStyle.Render(string(s.State)))
		fmt.Printf("  %s %s\n", labelStyle.Render("Done:"),
			valueStyle.Render(fmt.Sprintf("%d/%d", s.Summary.Done, s.Summary.Targets)))
	}
	return nil
}
