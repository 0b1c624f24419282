package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/prowl/internal/report"
	"github.com/user/prowl/internal/storage"
	"github.com/user/prowl/internal/util"
)

var (
	reportSession string
	reportFormat  string
	reportOutput  string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a session report",
	Long: `Generate a report for a session. Without --session the most recent
session is used.

Examples:
  prowl report
  prowl report --session 2f1c... --format json -o ./session.json
  prowl report -o -`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVarP(&reportSession, "session", "s", "",
		"Session id (default: most recent)")
	reportCmd.Flags().StringVar(&reportFormat, "format", "markdown",
		"Output format (markdown, json)")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "",
		"Output file path, - for stdout (default: auto-generated)")
}

func runReport(cmd *cobra.Command, args []string) error {
	if reportFormat != "markdown" && reportFormat != "json" {
		return fmt.Errorf("unknown format %q", reportFormat)
	}

	db, err := storage.Initialize(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	data, err := report.NewGenerator(db, cfg).Generate(context.Background(), reportSession)
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	switch {
	case reportOutput == "-" && reportFormat == "markdown":
		fmt.Println(report.FormatMarkdown(data))
		return nil
	case reportFormat == "json":
		path := reportOutput
		if path == "" || path == "-" {
			path = report.ExportPath(cfg.ReportOutputDir, data.Session.ID)
		}
		if err := report.ExportJSON(data, path); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		color.Green("Report saved to: %s", path)
	case reportOutput == "":
		path, err := report.WriteMarkdownFile(data, cfg.ReportOutputDir)
		if err != nil {
			return err
		}
		color.Green("Report saved to: %s", path)
	default:
		if err := util.WriteFileAtomic(reportOutput, []byte(report.FormatMarkdown(data)), 0644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		color.Green("Report saved to: %s", reportOutput)
	}

	sum := data.Summary
	fmt.Println()
	fmt.Printf("Session %s on %s (%s)\n", data.Session.ID, data.Session.NetworkID, data.Session.State)
	fmt.Printf("  Targets:   %d\n", sum.Targets)
	fmt.Printf("  Done:      %s\n", color.GreenString("%d", sum.Done))
	fmt.Printf("  Failed:    %s\n", color.RedString("%d", sum.Failed))
	fmt.Printf("  Pending:   %s\n", color.YellowString("%d", sum.Pending))
	fmt.Printf("  Vulns:     %d\n", sum.Vulns)
	fmt.Printf("  Exploited: %d\n", sum.Exploited)
	fmt.Printf("  Files:     %d\n", sum.Files)
	return nil
}
