package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/report"
	"github.com/user/prowl/internal/storage"
	"github.com/user/prowl/internal/util"
)

const statusInterval = 5 * time.Second

// ExportDir is where session exports are written inside the data dir.
const ExportDir = "exports"

var sessionEvents = []model.EventType{
	model.EventSessionStarted,
	model.EventSessionSuspended,
	model.EventSessionClosed,
}

// registerJobs registers the housekeeping jobs with the scheduler. Both jobs
// also run on session lifecycle events, so the heartbeat and the export
// reflect a session the moment it ends.
func (d *Daemon) registerJobs() {
	d.scheduler.AddJob(&Job{
		Name:     "status",
		Interval: statusInterval,
		On:       sessionEvents,
		Timeout:  statusInterval,
		Run:      d.runStatus,
	})

	d.scheduler.AddJob(&Job{
		Name:     "export",
		Interval: d.config.ExportInterval,
		On:       []model.EventType{model.EventSessionSuspended, model.EventSessionClosed},
		Run:      d.runExport,
	})
}

func (d *Daemon) runStatus(ctx context.Context, _ *model.Event) error {
	return WriteStatusFile(d.config.DataDir, d.GetStatus())
}

// runExport writes the session named by the event, or the current one on a
// periodic run, as a JSON document.
func (d *Daemon) runExport(ctx context.Context, ev *model.Event) error {
	id := ""
	if ev != nil {
		id = ev.SessionID
	} else if sess := d.orch.Current(); sess != nil {
		id = sess.ID
	}
	if id == "" {
		return nil
	}
	return exportSession(ctx, d.db, d.config, id)
}

func exportSession(ctx context.Context, db *storage.DB, cfg *util.Config, sessionID string) error {
	data, err := report.NewGenerator(db, cfg).Generate(ctx, sessionID)
	if err != nil {
		return err
	}
	return report.ExportJSON(data, report.ExportPath(filepath.Join(cfg.DataDir, ExportDir), sessionID))
}
