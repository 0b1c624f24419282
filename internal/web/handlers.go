package web

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/prowl/internal/daemon"
	"github.com/user/prowl/internal/display"
	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/report"
	"github.com/user/prowl/internal/storage"
	"github.com/user/prowl/internal/util"
)

// Handlers contains HTTP handlers.
type Handlers struct {
	db        *storage.DB
	config    *util.Config
	sessions  *storage.SessionStorage
	generator *report.Generator
}

// NewHandlers creates new handlers.
func NewHandlers(db *storage.DB, cfg *util.Config) *Handlers {
	return &Handlers{
		db:        db,
		config:    cfg,
		sessions:  storage.NewSessionStorage(db),
		generator: report.NewGenerator(db, cfg),
	}
}

// Dashboard serves the main dashboard page.
func (h *Handlers) Dashboard(c *gin.Context) {
	data := gin.H{"Generated": time.Now().Format("2006-01-02 15:04:05")}

	running, _ := daemon.CheckRunning(h.config.DataDir)
	data["Running"] = running

	if list, err := h.sessions.ListSessions(c.Request.Context(), 10); err == nil {
		data["Sessions"] = list
		if len(list) > 0 {
			if rep, err := h.generator.Generate(c.Request.Context(), list[0].ID); err == nil {
				data["Report"] = rep
				data["Pipeline"] = report.GeneratePipelineDiagram(rep)
			}
		}
	}

	c.HTML(http.StatusOK, "dashboard", data)
}

// APIGetStatus returns daemon and display status.
func (h *Handlers) APIGetStatus(c *gin.Context) {
	running, pid := daemon.CheckRunning(h.config.DataDir)
	status := gin.H{
		"running": running,
		"pid":     pid,
	}
	if ds, err := daemon.ReadStatusFile(h.config.DataDir); err == nil {
		status["daemon"] = ds
	}
	if st, err := display.ReadStatus(filepath.Join(h.config.DataDir, display.StatusFileName)); err == nil {
		status["display"] = st
	}
	c.JSON(http.StatusOK, status)
}

// APIListSessions returns recent sessions, newest first.
func (h *Handlers) APIListSessions(c *gin.Context) {
	limit := 20
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	list, err := h.sessions.ListSessions(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*model.SessionInfo{}
	}
	c.JSON(http.StatusOK, list)
}

// APIGetSession returns the full report data for one session.
func (h *Handlers) APIGetSession(c *gin.Context) {
	rep, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rep)
}

// APIGetTargets returns a session's targets with their stage records.
func (h *Handlers) APIGetTargets(c *gin.Context) {
	rep, ok := h.load(c)
	if !ok {
		return
	}
	targets := rep.Targets
	if targets == nil {
		targets = []report.TargetReport{}
	}
	c.JSON(http.StatusOK, targets)
}

// APIGetTarget returns one target including its decoded payloads.
func (h *Handlers) APIGetTarget(c *gin.Context) {
	rep, ok := h.load(c)
	if !ok {
		return
	}
	mac := model.NormalizeMAC(c.Param("mac"))
	for _, t := range rep.Targets {
		if t.Target.MAC == mac {
			c.JSON(http.StatusOK, gin.H{
				"target":  t.Target,
				"records": t.Records,
				"outcome": t.Outcome,
				"exploit": t.Exploit,
				"harvest": t.Harvest,
			})
			return
		}
	}
	writeError(c, fmt.Errorf("target %s not found", mac), http.StatusNotFound)
}

// DownloadReport generates and downloads a Markdown report.
func (h *Handlers) DownloadReport(c *gin.Context) {
	rep, ok := h.load(c)
	if !ok {
		return
	}
	name := fmt.Sprintf("prowl_%s.md", rep.Session.ID)
	c.Header("Content-Disposition", "attachment; filename="+name)
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(report.FormatMarkdown(rep)))
}

func (h *Handlers) load(c *gin.Context) (*report.ReportData, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	id := c.Param("id")
	info, err := h.sessions.GetSession(ctx, id)
	if err != nil {
		writeError(c, err, http.StatusInternalServerError)
		return nil, false
	}
	if info == nil {
		writeError(c, fmt.Errorf("session %s not found", id), http.StatusNotFound)
		return nil, false
	}
	rep, err := h.generator.Generate(ctx, id)
	if err != nil {
		writeError(c, err, http.StatusInternalServerError)
		return nil, false
	}
	return rep, true
}

func writeError(c *gin.Context, err error, status int) {
	c.JSON(status, gin.H{"error": err.Error()})
}
