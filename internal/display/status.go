package display

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/util"
)

// StatusFileName is the conventional name of the status document.
const StatusFileName = "status.json"

// TargetView is the last known stage of one target.
type TargetView struct {
	MAC     string            `json:"mac"`
	IP      string            `json:"ip,omitempty"`
	Stage   model.StageName   `json:"stage,omitempty"`
	Status  model.StageStatus `json:"status,omitempty"`
	Partial bool              `json:"partial,omitempty"`
}

// Status is the document written by StatusFileSink. Small displays poll it.
type Status struct {
	SessionID string             `json:"session_id,omitempty"`
	NetworkID string             `json:"network_id,omitempty"`
	State     model.SessionState `json:"state,omitempty"`
	Summary   model.Summary      `json:"summary"`
	Targets   []TargetView       `json:"targets"`
	Message   string             `json:"message,omitempty"`
	Updated   time.Time          `json:"updated"`
}

// StatusFileSink keeps a JSON status document current on disk.
type StatusFileSink struct {
	Path string

	status  Status
	targets map[string]*TargetView
}

// NewStatusFileSink creates a sink writing to path.
func NewStatusFileSink(path string) *StatusFileSink {
	return &StatusFileSink{Path: path, targets: make(map[string]*TargetView)}
}

// Notify implements Sink.
func (s *StatusFileSink) Notify(ev model.Event) {
	switch ev.Type {
	case model.EventSessionStarted:
		s.status = Status{SessionID: ev.SessionID, NetworkID: ev.NetworkID, State: model.SessionActive}
		s.targets = make(map[string]*TargetView)
	case model.EventSessionSuspended:
		s.status.State = model.SessionSuspended
	case model.EventSessionClosed:
		s.status.State = model.SessionClosed
	case model.EventTargetDiscovered, model.EventStageStarted, model.EventStageFinished:
		if ev.TargetMAC == "" {
			break
		}
		t, ok := s.targets[ev.TargetMAC]
		if !ok {
			t = &TargetView{MAC: ev.TargetMAC}
			s.targets[ev.TargetMAC] = t
		}
		if ev.TargetIP != "" {
			t.IP = ev.TargetIP
		}
		if ev.Stage != "" {
			t.Stage, t.Status, t.Partial = ev.Stage, ev.Status, ev.Partial
		}
	}
	if ev.Summary != nil {
		s.status.Summary = *ev.Summary
	}
	if ev.Message != "" {
		s.status.Message = ev.Message
	}
	s.status.Updated = ev.Time
	if err := s.write(); err != nil {
		log.WithError(err).Warn("status file write failed")
	}
}

func (s *StatusFileSink) write() error {
	s.status.Targets = s.status.Targets[:0]
	for _, t := range s.targets {
		s.status.Targets = append(s.status.Targets, *t)
	}
	sort.Slice(s.status.Targets, func(i, j int) bool {
		return s.status.Targets[i].MAC < s.status.Targets[j].MAC
	})
	data, err := json.MarshalIndent(s.status, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(s.Path, data, 0644)
}

// ReadStatus loads a status document written by StatusFileSink.
func ReadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
