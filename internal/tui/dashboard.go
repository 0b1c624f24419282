package tui

import (
	"fmt"
	"strings"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/report"
)

// DashboardData holds data for the dashboard view.
type DashboardData struct {
	Report   *report.ReportData
	Sessions []*model.SessionInfo
}

// Dashboard is the main dashboard view.
type Dashboard struct {
	data   *DashboardData
	width  int
	height int
}

// NewDashboard creates a new dashboard.
func NewDashboard(data *DashboardData, width, height int) *Dashboard {
	return &Dashboard{
		data:   data,
		width:  width,
		height: height,
	}
}

// SetSize updates the dashboard size.
func (d *Dashboard) SetSize(width, height int) {
	d.width = width
	d.height = height
}

// View renders the dashboard.
func (d *Dashboard) View() string {
	var sb strings.Builder

	sb.WriteString(HeaderStyle.Width(d.width).Render("Prowl Dashboard"))
	sb.WriteString("\n\n")

	if d.data.Report == nil {
		sb.WriteString(d.section("Session", DimStyle.Render("No sessions recorded yet")))
	} else {
		sb.WriteString(d.renderSessionSection())
		sb.WriteString("\n")
		sb.WriteString(d.renderTargetsSection())
	}
	sb.WriteString("\n")
	sb.WriteString(d.renderHistorySection())
	sb.WriteString("\n")

	sb.WriteString(HelpStyle.Render("Press 'r' to refresh • 'q' to quit"))
	return sb.String()
}

func (d *Dashboard) sectionWidth() int {
	w := d.width - 4
	if w < 60 {
		w = 60
	}
	return w
}

func (d *Dashboard) section(title, content string) string {
	return SectionStyle.Width(d.sectionWidth()).Render(SectionTitleStyle.Render(title) + "\n" + content)
}

func (d *Dashboard) renderSessionSection() string {
	s := d.data.Report.Session
	sum := d.data.Report.Summary

	content := fmt.Sprintf(
		"%s %s\n%s %s\n%s %s\n%s %s\n%s %s %d/%d\n%s %d vulns, %d exploited, %d files",
		LabelStyle.Render("Network:"), ValueStyle.Render(s.NetworkID),
		LabelStyle.Render("Session:"), ValueStyle.Render(shortID(s.ID)),
		LabelStyle.Render("State:"), RenderState(s.State),
		LabelStyle.Render("Scope:"), ValueStyle.Render(orDash(s.Scope)),
		LabelStyle.Render("Progress:"), RenderBar(sum.Done, sum.Targets, 30), sum.Done, sum.Targets,
		LabelStyle.Render("Findings:"), sum.Vulns, sum.Exploited, sum.Files,
	)
	return d.section("Current Session", content)
}

func (d *Dashboard) renderTargetsSection() string {
	targets := d.data.Report.Targets
	if len(targets) == 0 {
		return d.section("Targets", DimStyle.Render("No targets discovered yet"))
	}

	var rows []string
	header := fmt.Sprintf("%-18s %-16s", "MAC", "IP")
	for _, st := range model.Pipeline {
		header += fmt.Sprintf(" %-4s", stageAbbrev(st))
	}
	rows = append(rows, header)
	rows = append(rows, strings.Repeat("─", len(header)))

	maxTargets := 15
	if len(targets) < maxTargets {
		maxTargets = len(targets)
	}
	for _, t := range targets[:maxTargets] {
		byStage := make(map[model.StageName]model.StageStatus)
		for _, r := range t.Records {
			byStage[r.Stage] = r.Status
		}
		row := fmt.Sprintf("%-18s %-16s", t.Target.MAC, t.Target.IP)
		for _, st := range model.Pipeline {
			status, ok := byStage[st]
			if !ok {
				status = model.StatusPending
			}
			row += " " + RenderStageStatus(status) + "   "
		}
		rows = append(rows, row)
	}
	if len(targets) > maxTargets {
		rows = append(rows, DimStyle.Render(fmt.Sprintf("... and %d more", len(targets)-maxTargets)))
	}
	return d.section("Targets", strings.Join(rows, "\n"))
}

func (d *Dashboard) renderHistorySection() string {
	if len(d.data.Sessions) == 0 {
		return d.section("Recent Sessions", DimStyle.Render("none"))
	}
	var rows []string
	for _, s := range d.data.Sessions {
		rows = append(rows, fmt.Sprintf("%-10s %-20s %-10s %s  %d/%d done",
			shortID(s.ID), s.NetworkID, s.State, s.StartedAt.Local().Format("01-02 15:04"),
			s.Summary.Done, s.Summary.Targets))
	}
	return d.section("Recent Sessions", strings.Join(rows, "\n"))
}

func stageAbbrev(s model.StageName) string {
	switch s {
	case model.StageDiscovery:
		return "DISC"
	case model.StageFingerprint:
		return "FP"
	case model.StageVulnCorrelate:
		return "VULN"
	case model.StageExploit:
		return "EXPL"
	case model.StageHarvest:
		return "HARV"
	}
	return string(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
