package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/storage"
	"github.com/user/prowl/internal/util"
)

const network = "lab-wifi"

func record(mac string, stage model.StageName, status model.StageStatus, payload interface{}) model.StageRecord {
	now := time.Now()
	r := model.StageRecord{
		NetworkID:  network,
		TargetMAC:  mac,
		Stage:      stage,
		Status:     status,
		Attempts:   1,
		StartedAt:  now,
		FinishedAt: now,
		SessionID:  "s1",
	}
	if payload != nil {
		r.Payload, _ = json.Marshal(payload)
	}
	return r
}

// seed stores one fully harvested target and one parked at fingerprint.
func seed(t *testing.T) *Generator {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(filepath.Join(t.TempDir(), "prowl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	results := storage.NewResultStore(db)
	sessions := storage.NewSessionStorage(db)

	_, _, err = results.UpsertTarget(ctx, network, "s1", model.Host{MAC: "aa:bb:cc:00:00:01", IP: "10.0.0.5", Hostname: "nas"})
	require.NoError(t, err)
	_, _, err = results.UpsertTarget(ctx, network, "s1", model.Host{MAC: "aa:bb:cc:00:00:02", IP: "10.0.0.6"})
	require.NoError(t, err)

	ports := []model.Port{{Port: 21, Protocol: "tcp", Service: "ftp", Product: "vsftpd", Version: "2.3.4"}}
	vulns := []model.VulnRef{{ID: "49757", Title: "vsftpd 2.3.4 - Backdoor", Port: 21}}
	a := "aa:bb:cc:00:00:01"
	require.NoError(t, results.RecordStage(ctx, record(a, model.StageFingerprint, model.StatusSucceeded, nil), &model.Facts{Ports: ports}))
	require.NoError(t, results.RecordStage(ctx, record(a, model.StageVulnCorrelate, model.StatusSucceeded, nil), &model.Facts{Vulns: vulns}))
	require.NoError(t, results.RecordStage(ctx, record(a, model.StageExploit, model.StatusSucceeded, &model.ExploitPayload{
		Attempts:    []model.ExploitAttempt{{Ref: vulns[0], Status: model.StatusSucceeded}},
		Compromised: true,
	}), nil))
	require.NoError(t, results.RecordStage(ctx, record(a, model.StageHarvest, model.StatusSucceeded, &model.HarvestPayload{
		Protocol: "ftp",
		Username: "anonymous",
		Files:    []model.HarvestedFile{{Remote: "/pub/notes.txt", Local: "loot/notes.txt", Size: 12}},
		Bytes:    12,
	}), nil))

	failed := record("aa:bb:cc:00:00:02", model.StageFingerprint, model.StatusFailed, nil)
	failed.Error = "fingerprint 10.0.0.6: host down"
	require.NoError(t, results.RecordStage(ctx, failed, nil))

	require.NoError(t, sessions.SaveSession(ctx, &model.SessionInfo{
		ID:        "s1",
		NetworkID: network,
		Scope:     "10.0.0.0/24",
		State:     model.SessionClosed,
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
	}))
	return NewGenerator(db, util.DefaultConfig())
}

func TestGenerate(t *testing.T) {
	gen := seed(t)

	data, err := gen.Generate(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, model.Summary{Targets: 2, Done: 1, Failed: 1, Vulns: 1, Exploited: 1, Files: 1}, data.Summary)
	require.Len(t, data.Targets, 2)
	assert.Equal(t, OutcomeDone, data.Targets[0].Outcome)
	assert.Len(t, data.Targets[0].Records, 5)
	require.NotNil(t, data.Targets[0].Harvest)
	assert.Equal(t, "ftp", data.Targets[0].Harvest.Protocol)
	assert.Equal(t, OutcomeFailed, data.Targets[1].Outcome)

	assert.Equal(t, 2, data.StageCounts[model.StageDiscovery][model.StatusSucceeded])
	assert.Equal(t, 1, data.StageCounts[model.StageFingerprint][model.StatusFailed])
}

func TestGenerateLatestAndMissing(t *testing.T) {
	gen := seed(t)

	data, err := gen.Generate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "s1", data.Session.ID)

	_, err = gen.Generate(context.Background(), "nope")
	assert.Error(t, err)
}

func TestBuildPendingTarget(t *testing.T) {
	states := []model.TargetState{{
		Target: model.Target{MAC: "aa:00:00:00:00:01"},
		Records: map[model.StageName]model.StageRecord{
			model.StageDiscovery:   {Stage: model.StageDiscovery, Status: model.StatusSucceeded},
			model.StageFingerprint: {Stage: model.StageFingerprint, Status: model.StatusTimedOut},
		},
	}}
	data := Build(&model.SessionInfo{ID: "x", NetworkID: network}, states)
	assert.Equal(t, OutcomePending, data.Targets[0].Outcome)
	assert.Equal(t, 1, data.Summary.Pending)
}

func TestFormatMarkdown(t *testing.T) {
	gen := seed(t)
	data, err := gen.Generate(context.Background(), "s1")
	require.NoError(t, err)

	md := FormatMarkdown(data)
	assert.Contains(t, md, "# Prowl Report: lab-wifi")
	assert.Contains(t, md, "```mermaid")
	assert.Contains(t, md, "nas (10.0.0.5)")
	assert.Contains(t, md, "49757 vsftpd 2.3.4 - Backdoor")
	assert.Contains(t, md, "`/pub/notes.txt`")
	assert.Contains(t, md, "host down")
	assert.True(t, strings.Index(md, "S_discovery") < strings.Index(md, "S_harvest"))
}

func TestFormatMarkdownShowsFailedDiscovery(t *testing.T) {
	info := &model.SessionInfo{ID: "x", NetworkID: "lab", Discovery: model.StatusTimedOut, DiscoveryError: "deadline exceeded"}
	md := FormatMarkdown(Build(info, nil))
	assert.Contains(t, md, "- Discovery: timed_out (deadline exceeded)")
}

func TestWriteMarkdownFile(t *testing.T) {
	data := Build(&model.SessionInfo{ID: "x", NetworkID: "cafe/guest"}, nil)
	path, err := WriteMarkdownFile(data, t.TempDir())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "prowl-cafe_guest-"))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Prowl Report")
}

func TestExportJSON(t *testing.T) {
	gen := seed(t)
	data, err := gen.Generate(context.Background(), "s1")
	require.NoError(t, err)

	path := ExportPath(t.TempDir(), "s1")
	require.NoError(t, ExportJSON(data, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Session model.SessionInfo `json:"session"`
		Summary model.Summary     `json:"summary"`
		Targets []struct {
			Target  model.Target        `json:"target"`
			Records []model.StageRecord `json:"records"`
		} `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "s1", doc.Session.ID)
	assert.Equal(t, 2, doc.Summary.Targets)
	require.Len(t, doc.Targets, 2)
	assert.Equal(t, model.StageHarvest, doc.Targets[0].Records[4].Stage)
}

func TestTargetDiagram(t *testing.T) {
	tr := TargetReport{
		Target:  model.Target{MAC: "aa:00:00:00:00:01"},
		Records: []model.StageRecord{{Stage: model.StageDiscovery, Status: model.StatusSucceeded}, {Stage: model.StageFingerprint, Status: model.StatusFailed}},
	}
	d := GenerateTargetDiagram(tr)
	assert.Contains(t, d, "S_discovery[discovery]:::ok")
	assert.Contains(t, d, "S_fingerprint[fingerprint]:::fail")
	assert.Contains(t, d, "S_harvest[harvest]:::pending")
}
