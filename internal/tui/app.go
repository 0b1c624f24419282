// Package tui provides a terminal user interface.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/user/prowl/internal/report"
	"github.com/user/prowl/internal/storage"
	"github.com/user/prowl/internal/util"
)

const refreshInterval = 5 * time.Second

// App is the main TUI application.
type App struct {
	db     *storage.DB
	config *util.Config
}

// NewApp creates a new TUI application.
func NewApp(db *storage.DB, cfg *util.Config) *App {
	return &App{
		db:     db,
		config: cfg,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(newModel(a.db, a.config), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// appModel is the main bubbletea model.
type appModel struct {
	db        *storage.DB
	config    *util.Config
	dashboard *Dashboard
	spinner   spinner.Model
	ready     bool
	width     int
	height    int
	err       error
}

func newModel(db *storage.DB, cfg *util.Config) appModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(Primary)

	return appModel{
		db:      db,
		config:  cfg,
		spinner: s,
	}
}

// Init initializes the model.
func (m appModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		loadData(m.db, m.config),
		tick(),
	)
}

// Update handles messages.
func (m appModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, loadData(m.db, m.config)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.dashboard != nil {
			m.dashboard.SetSize(msg.Width, msg.Height)
		}

	case tickMsg:
		return m, tea.Batch(loadData(m.db, m.config), tick())

	case dataMsg:
		m.ready = true
		m.err = nil
		m.dashboard = NewDashboard(msg.Data, m.width, m.height)

	case errMsg:
		m.err = msg.err

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the UI.
func (m appModel) View() string {
	if m.err != nil {
		return ErrorStyle.Render("Error: " + m.err.Error())
	}

	if !m.ready {
		return LoadingStyle.Render(m.spinner.View() + " Loading...")
	}

	return m.dashboard.View()
}

// Messages
type dataMsg struct {
	Data *DashboardData
}

type errMsg struct {
	err error
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func loadData(db *storage.DB, cfg *util.Config) tea.Cmd {
	return func() tea.Msg {
		data, err := fetchDashboardData(db, cfg)
		if err != nil {
			return errMsg{err}
		}
		return dataMsg{Data: data}
	}
}

func fetchDashboardData(db *storage.DB, cfg *util.Config) (*DashboardData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := &DashboardData{}
	sessions, err := storage.NewSessionStorage(db).ListSessions(ctx, 5)
	if err != nil {
		return nil, err
	}
	data.Sessions = sessions
	if len(sessions) == 0 {
		return data, nil
	}

	rep, err := report.NewGenerator(db, cfg).Generate(ctx, sessions[0].ID)
	if err != nil {
		return nil, err
	}
	data.Report = rep
	return data, nil
}
