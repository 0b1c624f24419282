package report

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/util"
)

// FormatMarkdown renders a report as Markdown.
func FormatMarkdown(data *ReportData) string {
	var sb strings.Builder
	s := data.Session

	sb.WriteString(fmt.Sprintf("# Prowl Report: %s\n\n", s.NetworkID))
	sb.WriteString(fmt.Sprintf("- Session: `%s` (%s)\n", s.ID, s.State))
	sb.WriteString(fmt.Sprintf("- Scope: %s\n", s.Scope))
	sb.WriteString(fmt.Sprintf("- Started: %s\n", s.StartedAt.Format("2006-01-02 15:04:05")))
	if !s.EndedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("- Ended: %s\n", s.EndedAt.Format("2006-01-02 15:04:05")))
	}
	if s.Error != "" {
		sb.WriteString(fmt.Sprintf("- Error: %s\n", s.Error))
	}
	if s.Discovery != "" {
		sb.WriteString(fmt.Sprintf("- Discovery: %s", s.Discovery))
		if !s.Discovery.Advances() && s.DiscoveryError != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", s.DiscoveryError))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("- Generated: %s\n\n", data.GeneratedAt.Format("2006-01-02 15:04:05")))

	sum := data.Summary
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Targets | Done | Failed | Pending | Vulns | Exploited | Files |\n")
	sb.WriteString("|---|---|---|---|---|---|---|\n")
	sb.WriteString(fmt.Sprintf("| %d | %d | %d | %d | %d | %d | %d |\n\n",
		sum.Targets, sum.Done, sum.Failed, sum.Pending, sum.Vulns, sum.Exploited, sum.Files))

	sb.WriteString("## Pipeline\n\n")
	sb.WriteString(GeneratePipelineDiagram(data))
	sb.WriteString("\n")

	sb.WriteString("## Targets\n\n")
	for _, t := range data.Targets {
		writeTarget(&sb, t)
	}
	return sb.String()
}

func writeTarget(sb *strings.Builder, t TargetReport) {
	tg := t.Target
	title := tg.IP
	if tg.Hostname != "" {
		title = fmt.Sprintf("%s (%s)", tg.Hostname, tg.IP)
	}
	sb.WriteString(fmt.Sprintf("### %s `%s` - %s\n\n", title, tg.MAC, t.Outcome))
	if tg.Vendor != "" || tg.OSGuess != "" {
		sb.WriteString(fmt.Sprintf("Vendor: %s, OS: %s\n\n", orDash(tg.Vendor), orDash(tg.OSGuess)))
	}

	sb.WriteString("| Stage | Status | Attempts | Finished | Detail |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, r := range t.Records {
		status := string(r.Status)
		if r.Partial {
			status += " (partial)"
		}
		finished := "-"
		if !r.FinishedAt.IsZero() {
			finished = r.FinishedAt.Format("15:04:05")
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %d | %s | %s |\n",
			r.Stage, status, r.Attempts, finished, escape(r.Error)))
	}
	sb.WriteString("\n")

	if len(tg.Ports) > 0 {
		sb.WriteString("**Open ports**\n\n")
		for _, p := range tg.Ports {
			svc := strings.TrimSpace(strings.Join([]string{p.Service, p.Product, p.Version}, " "))
			sb.WriteString(fmt.Sprintf("- %s %s\n", p.Key(), svc))
		}
		sb.WriteString("\n")
	}
	if len(t.Vulns) > 0 {
		sb.WriteString("**Candidate vulnerabilities**\n\n")
		for _, v := range t.Vulns {
			sb.WriteString(fmt.Sprintf("- %s %s\n", v.ID, v.Title))
		}
		sb.WriteString("\n")
	}
	if t.Exploit != nil && len(t.Exploit.Attempts) > 0 {
		sb.WriteString("**Exploit attempts**\n\n")
		for _, a := range t.Exploit.Attempts {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", a.Ref.ID, a.Status))
		}
		sb.WriteString("\n")
	}
	if t.Harvest != nil && len(t.Harvest.Files) > 0 {
		sb.WriteString(fmt.Sprintf("**Harvested over %s as %s** (%d bytes", t.Harvest.Protocol, t.Harvest.Username, t.Harvest.Bytes))
		if t.Harvest.BudgetReached {
			sb.WriteString(", budget reached")
		}
		sb.WriteString(")\n\n")
		for _, f := range t.Harvest.Files {
			sb.WriteString(fmt.Sprintf("- `%s` -> `%s`\n", f.Remote, f.Local))
		}
		sb.WriteString("\n")
	}
}

// WriteMarkdownFile writes the report into dir and returns its path.
func WriteMarkdownFile(data *ReportData, dir string) (string, error) {
	name := fmt.Sprintf("prowl-%s-%s.md", safeFileName(data.Session.NetworkID), data.GeneratedAt.Format("20060102-150405"))
	path := filepath.Join(dir, name)
	if err := util.WriteFileAtomic(path, []byte(FormatMarkdown(data)), 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func escape(s string) string {
	return strings.NewReplacer("|", "\\|", "\n", " ").Replace(s)
}

func safeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// statusClass maps a stage status to a mermaid class name.
func statusClass(s model.StageStatus) string {
	switch s {
	case model.StatusSucceeded:
		return "ok"
	case model.StatusSkipped:
		return "skip"
	case model.StatusFailed:
		return "fail"
	case model.StatusTimedOut, model.StatusRunning:
		return "wait"
	}
	return "pending"
}
