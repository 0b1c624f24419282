package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/prowl/internal/daemon"
	"github.com/user/prowl/internal/util"
	"github.com/user/prowl/internal/web"
)

var (
	foreground   bool
	withWeb      bool
	startWebPort int
	network      string
	once         bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the prowl daemon",
	Long: `Start the prowl daemon in the background. It watches the wireless
interface and runs a session on every network it joins.

Examples:
  prowl start
  prowl start --foreground --network lab --once
  prowl start --with-web --web-port 8080`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false,
		"Run in foreground instead of daemonizing")
	startCmd.Flags().BoolVar(&withWeb, "with-web", false,
		"Also start the web dashboard server")
	startCmd.Flags().IntVar(&startWebPort, "web-port", 8080,
		"Port for web server (when using --with-web)")
	startCmd.Flags().StringVar(&network, "network", "",
		"Run against a fixed network id instead of watching the interface")
	startCmd.Flags().BoolVar(&once, "once", false,
		"Exit after one session (requires --network)")
}

func runStart(cmd *cobra.Command, args []string) error {
	if once && network == "" {
		return fmt.Errorf("--once requires --network")
	}

	running, pid := daemon.CheckRunning(cfg.DataDir)
	if running {
		fmt.Printf("Daemon is already running (PID %d)\n", pid)
		return nil
	}

	if foreground {
		return runForeground()
	}
	return runDaemon()
}

func runForeground() error {
	fmt.Println("Starting prowl in foreground mode...")

	d, err := daemon.New(cfg, daemon.Options{Network: network, Once: once})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	webCtx, stopWeb := context.WithCancel(context.Background())
	defer stopWeb()
	if withWeb {
		go func() {
			srv := web.NewServer(d.GetDB(), cfg, startWebPort)
			fmt.Printf("Web dashboard: http://localhost:%d\n", startWebPort)
			if err := srv.Start(webCtx); err != nil {
				util.Error("Web server error: %v", err)
			}
		}()
	}

	fmt.Println("Prowl daemon started. Press Ctrl+C to stop.")

	d.Wait()
	stopWeb()
	return d.Stop()
}

func runDaemon() error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{"start", "--foreground"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if network != "" {
		args = append(args, "--network", network)
	}
	if once {
		args = append(args, "--once")
	}
	if withWeb {
		args = append(args, "--with-web", "--web-port", fmt.Sprintf("%d", startWebPort))
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	procAttr := &os.ProcAttr{
		Dir:   "/",
		Env:   os.Environ(),
		Files: []*os.File{nil, logFile, logFile},
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	}

	proc, err := os.StartProcess(executable, append([]string{executable}, args...), procAttr)
	if err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon process: %w", err)
	}

	if err := proc.Release(); err != nil {
		util.Warn("Failed to release process: %v", err)
	}

	fmt.Printf("Prowl daemon started (PID %d)\n", proc.Pid)
	fmt.Printf("Logs: %s\n", cfg.LogFile)
	if withWeb {
		fmt.Printf("Web dashboard: http://localhost:%d\n", startWebPort)
	}
	return nil
}
