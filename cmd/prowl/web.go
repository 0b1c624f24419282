package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/prowl/internal/storage"
	"github.com/user/prowl/internal/web"
)

var webPort int

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Start the web dashboard",
	Long: `Start a lightweight web dashboard for viewing session results.

The web server provides:
- Session and target status
- A JSON API under /api
- Downloadable Markdown reports

Examples:
  prowl web
  prowl web --port 8080`,
	RunE: runWeb,
}

func init() {
	webCmd.Flags().IntVarP(&webPort, "port", "p", 8080, "Web server port")
}

func runWeb(cmd *cobra.Command, args []string) error {
	db, err := storage.Initialize(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Starting web server on http://localhost:%d\n", webPort)
	fmt.Println("Press Ctrl+C to stop")

	return web.NewServer(db, cfg, webPort).Start(ctx)
}
