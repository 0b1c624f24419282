package tui

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"github.com/user/prowl/internal/util"
)

func TestAppModelLifecycle(t *testing.T) {
	var m tea.Model = newModel(nil, util.DefaultConfig())
	assert.Contains(t, m.View(), "Loading")

	m, _ = m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	m, _ = m.Update(dataMsg{Data: &DashboardData{}})
	assert.Contains(t, m.View(), "No sessions recorded yet")

	m, _ = m.Update(errMsg{err: errors.New("database is locked")})
	assert.Contains(t, m.View(), "database is locked")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.NotNil(t, cmd)
}
