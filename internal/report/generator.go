// Package report renders session results for human review.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/storage"
	"github.com/user/prowl/internal/util"
)

// Generator builds reports from the result store. It never writes to it.
type Generator struct {
	results  *storage.ResultStore
	sessions *storage.SessionStorage
	config   *util.Config
}

// NewGenerator creates a new report generator.
func NewGenerator(db *storage.DB, cfg *util.Config) *Generator {
	return &Generator{
		results:  storage.NewResultStore(db),
		sessions: storage.NewSessionStorage(db),
		config:   cfg,
	}
}

// ReportData holds all data for a report.
type ReportData struct {
	GeneratedAt time.Time                                     `json:"generated_at"`
	Session     *model.SessionInfo                            `json:"session"`
	Summary     model.Summary                                 `json:"summary"`
	Targets     []TargetReport                                `json:"targets"`
	StageCounts map[model.StageName]map[model.StageStatus]int `json:"stage_counts"`
}

// TargetReport is one target with its ordered stage records and the
// decoded payloads worth showing.
type TargetReport struct {
	Target  model.Target          `json:"target"`
	Records []model.StageRecord   `json:"records"`
	Outcome string                `json:"outcome"`
	Vulns   []model.VulnRef       `json:"-"`
	Exploit *model.ExploitPayload `json:"-"`
	Harvest *model.HarvestPayload `json:"-"`
}

// Target outcomes.
const (
	OutcomeDone    = "done"
	OutcomeFailed  = "failed"
	OutcomePending = "pending"
)

// Generate builds a report for a session. An empty id selects the most
// recent session.
func (g *Generator) Generate(ctx context.Context, sessionID string) (*ReportData, error) {
	var (
		info *model.SessionInfo
		err  error
	)
	if sessionID == "" {
		list, lerr := g.sessions.ListSessions(ctx, 1)
		if lerr != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", lerr)
		}
		if len(list) > 0 {
			info = list[0]
		}
	} else {
		info, err = g.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
	}
	if info == nil {
		return nil, fmt.Errorf("session %q not found", sessionID)
	}

	states, err := g.results.Snapshot(ctx, info.NetworkID)
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}
	return Build(info, states), nil
}

// Build assembles report data from a session and its network's targets.
func Build(info *model.SessionInfo, states []model.TargetState) *ReportData {
	data := &ReportData{
		GeneratedAt: time.Now(),
		Session:     info,
		StageCounts: make(map[model.StageName]map[model.StageStatus]int),
	}
	for _, st := range states {
		tr := TargetReport{Target: st.Target, Outcome: OutcomeDone}
		for _, name := range model.Pipeline {
			rec, ok := st.Records[name]
			if !ok {
				if tr.Outcome == OutcomeDone {
					tr.Outcome = OutcomePending
				}
				continue
			}
			tr.Records = append(tr.Records, rec)
			if data.StageCounts[name] == nil {
				data.StageCounts[name] = make(map[model.StageStatus]int)
			}
			data.StageCounts[name][rec.Status]++

			switch {
			case rec.Status == model.StatusFailed:
				tr.Outcome = OutcomeFailed
			case !rec.Status.Advances() && tr.Outcome == OutcomeDone:
				tr.Outcome = OutcomePending
			}
			decode(&tr, rec)
		}
		tr.Vulns = st.Target.Vulns

		data.Summary.Targets++
		data.Summary.Vulns += len(tr.Vulns)
		switch tr.Outcome {
		case OutcomeDone:
			data.Summary.Done++
		case OutcomeFailed:
			data.Summary.Failed++
		default:
			data.Summary.Pending++
		}
		if tr.Exploit != nil && tr.Exploit.Compromised {
			data.Summary.Exploited++
		}
		if tr.Harvest != nil {
			data.Summary.Files += len(tr.Harvest.Files)
		}
		data.Targets = append(data.Targets, tr)
	}
	return data
}

func decode(tr *TargetReport, rec model.StageRecord) {
	if len(rec.Payload) == 0 {
		return
	}
	switch rec.Stage {
	case model.StageExploit:
		var p model.ExploitPayload
		if json.Unmarshal(rec.Payload, &p) == nil {
			tr.Exploit = &p
		}
	case model.StageHarvest:
		var p model.HarvestPayload
		if json.Unmarshal(rec.Payload, &p) == nil {
			tr.Harvest = &p
		}
	}
}
