package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/user/prowl/internal/model"
)

var (
	// Colors
	Primary   = lipgloss.Color("205")
	Secondary = lipgloss.Color("86")
	Subtle    = lipgloss.Color("241")
	Success   = lipgloss.Color("46")
	Warning   = lipgloss.Color("214")
	Error     = lipgloss.Color("196")

	// Header styles
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(Primary).
			Padding(0, 2).
			Align(lipgloss.Center)

	// Section styles
	SectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Subtle).
			Padding(1, 2).
			MarginBottom(1)

	SectionTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(Primary).
				MarginBottom(1)

	// Label and value styles
	LabelStyle = lipgloss.NewStyle().
			Foreground(Subtle).
			Width(14)

	ValueStyle = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	// Status styles
	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	// Dim style
	DimStyle = lipgloss.NewStyle().
			Foreground(Subtle).
			Italic(true)

	// Help style
	HelpStyle = lipgloss.NewStyle().
			Foreground(Subtle).
			MarginTop(1)

	// Loading style
	LoadingStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Padding(2, 4)

	// Table styles
	TableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(Subtle).
				Padding(0, 1)

	TableRowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	TableRowAltStyle = lipgloss.NewStyle().
				Padding(0, 1).
				Background(lipgloss.Color("236"))
)

// RenderState returns a styled session state.
func RenderState(s model.SessionState) string {
	switch s {
	case model.SessionActive:
		return SuccessStyle.Render(string(s))
	case model.SessionSuspended:
		return WarningStyle.Render(string(s))
	}
	return DimStyle.Render(string(s))
}

// RenderStageStatus returns a one-character glyph for a stage status.
func RenderStageStatus(s model.StageStatus) string {
	switch s {
	case model.StatusSucceeded:
		return SuccessStyle.Render("✓")
	case model.StatusSkipped:
		return DimStyle.Render("-")
	case model.StatusFailed:
		return ErrorStyle.Render("✗")
	case model.StatusTimedOut:
		return WarningStyle.Render("⧗")
	case model.StatusRunning:
		return ValueStyle.Render("▶")
	}
	return DimStyle.Render("·")
}

// RenderBar renders a progress bar.
func RenderBar(value, max int, width int) string {
	if max == 0 {
		max = 1
	}

	filled := int(float64(value) / float64(max) * float64(width))
	if filled > width {
		filled = width
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return lipgloss.NewStyle().Foreground(Secondary).Render(bar)
}
