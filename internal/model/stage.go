package model

import "time"

// StageName identifies one step of the per-target pipeline.
type StageName string

const (
	StageDiscovery     StageName = "discovery"
	StageFingerprint   StageName = "fingerprint"
	StageVulnCorrelate StageName = "vuln_correlate"
	StageExploit       StageName = "exploit"
	StageHarvest       StageName = "harvest"
)

// Pipeline is the fixed stage order.
var Pipeline = []StageName{
	StageDiscovery,
	StageFingerprint,
	StageVulnCorrelate,
	StageExploit,
	StageHarvest,
}

// Seq returns the stage's position in the pipeline, or -1.
func (s StageName) Seq() int {
	for i, st := range Pipeline {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage following s. ok is false after Harvest.
func (s StageName) Next() (StageName, bool) {
	i := s.Seq()
	if i < 0 || i+1 >= len(Pipeline) {
		return "", false
	}
	return Pipeline[i+1], true
}

// Valid reports whether s is a known stage.
func (s StageName) Valid() bool { return s.Seq() >= 0 }

// StageStatus is the outcome state of a stage.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusSucceeded StageStatus = "succeeded"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
	StatusTimedOut  StageStatus = "timed_out"
)

// Terminal reports whether the status ends an attempt.
func (s StageStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusTimedOut:
		return true
	}
	return false
}

// Advances reports whether the status lets the target move to the next stage.
func (s StageStatus) Advances() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionSuspended SessionState = "suspended"
	SessionClosed    SessionState = "closed"
)

// EventType classifies display events.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionSuspended EventType = "session_suspended"
	EventSessionClosed    EventType = "session_closed"
	EventTargetDiscovered EventType = "target_discovered"
	EventStageStarted     EventType = "stage_started"
	EventStageFinished    EventType = "stage_finished"
	EventSummary          EventType = "summary"
)

// Event is a fire-and-forget progress notification for display sinks.
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	NetworkID string      `json:"network_id,omitempty"`
	TargetMAC string      `json:"target_mac,omitempty"`
	TargetIP  string      `json:"target_ip,omitempty"`
	Stage     StageName   `json:"stage,omitempty"`
	Status    StageStatus `json:"status,omitempty"`
	Partial   bool        `json:"partial,omitempty"`
	Summary   *Summary    `json:"summary,omitempty"`
	Message   string      `json:"message,omitempty"`
	Time      time.Time   `json:"time"`
}
