package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/report"
)

func TestDashboardEmpty(t *testing.T) {
	view := NewDashboard(&DashboardData{}, 80, 24).View()
	assert.Contains(t, view, "No sessions recorded yet")
}

func TestDashboardRendersTargets(t *testing.T) {
	info := &model.SessionInfo{ID: "0123456789abcdef", NetworkID: "lab-wifi", State: model.SessionActive, StartedAt: time.Now()}
	states := []model.TargetState{{
		Target: model.Target{MAC: "aa:bb:cc:00:00:01", IP: "10.0.0.5"},
		Records: map[model.StageName]model.StageRecord{
			model.StageDiscovery: {Stage: model.StageDiscovery, Status: model.StatusSucceeded},
		},
	}}
	data := &DashboardData{Report: report.Build(info, states), Sessions: []*model.SessionInfo{info}}

	view := NewDashboard(data, 100, 40).View()
	assert.Contains(t, view, "lab-wifi")
	assert.Contains(t, view, "01234567")
	assert.Contains(t, view, "aa:bb:cc:00:00:01")
}

func TestRenderBarClamps(t *testing.T) {
	assert.Equal(t, 10, strings.Count(RenderBar(5, 2, 10), "█"))
	assert.Equal(t, 10, strings.Count(RenderBar(0, 0, 10), "░"))
}
