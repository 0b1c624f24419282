package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/queue"
)

// Session is one run against a single connected network. It is owned by
// the orchestrator and shared by reference with its workers.
type Session struct {
	ID        string
	NetworkID string
	Scope     string
	StartedAt time.Time
	Queue     *queue.Queue

	mu      sync.Mutex
	state   model.SessionState
	endedAt time.Time
	err     error
	// discovery outcome, recorded even when it does not end the session
	discovery    model.StageStatus
	discoveryErr string
	// per-target findings that are not target facts
	exploited map[string]bool
	files     map[string]int
}

func newSession(id, networkID string, policy queue.RetryPolicy) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:        id,
		NetworkID: networkID,
		StartedAt: time.Now().UTC(),
		Queue:     queue.New(policy),
		state:     model.SessionActive,
		exploited: make(map[string]bool),
		files:     make(map[string]int),
	}
}

// State returns the session's lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setState(state model.SessionState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if state == model.SessionActive {
		s.endedAt = time.Time{}
	} else {
		s.endedAt = time.Now().UTC()
	}
	if err != nil && s.err == nil {
		s.err = err
	}
}

func (s *Session) setDiscovery(status model.StageStatus, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovery = status
	s.discoveryErr = detail
}

func (s *Session) tally(mac string, p interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := p.(type) {
	case *model.ExploitPayload:
		if v != nil && v.Compromised {
			s.exploited[mac] = true
		}
	case *model.HarvestPayload:
		if v != nil {
			s.files[mac] = len(v.Files)
		}
	}
}

// Summary counts targets by outcome together with the session's findings.
func (s *Session) Summary() model.Summary {
	var sum model.Summary
	for _, e := range s.Queue.Entries() {
		sum.Targets++
		switch {
		case e.Done:
			sum.Done++
		case e.Parked:
			sum.Failed++
		default:
			sum.Pending++
		}
		sum.Vulns += len(e.Target.Vulns)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sum.Exploited = len(s.exploited)
	for _, n := range s.files {
		sum.Files += n
	}
	return sum
}

// Info returns the persisted view of the session.
func (s *Session) Info() *model.SessionInfo {
	sum := s.Summary()
	s.mu.Lock()
	defer s.mu.Unlock()
	info := &model.SessionInfo{
		ID:        s.ID,
		NetworkID: s.NetworkID,
		Scope:     s.Scope,
		State:     s.state,
		StartedAt: s.StartedAt,
		EndedAt:   s.endedAt,
		Summary:   sum,

		Discovery:      s.discovery,
		DiscoveryError: s.discoveryErr,
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}
