// Package queue holds the per-session target queue and stage cursors.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/user/prowl/internal/model"
)

// RetryPolicy bounds re-runs of timed-out stages.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// Backoff returns the delay before the given retry attempt (1-based):
// Base doubled per attempt, capped at Max.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Entry is one target and its stage cursor.
type Entry struct {
	Target   model.Target
	Stage    model.StageName
	Status   model.StageStatus
	Attempts int
	Parked   bool
	Done     bool

	rank    int
	claimed bool
}

// Transition describes the result of marking a stage.
type Transition struct {
	Stage    model.StageName
	Status   model.StageStatus
	Attempts int
	Retry    bool
	Delay    time.Duration
	Parked   bool
	Done     bool
}

// Queue is the ordered target set of one session. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	policy  RetryPolicy
	entries map[string]*Entry
	rank    int
	now     func() time.Time
}

// New creates an empty queue.
func New(policy RetryPolicy) *Queue {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Queue{
		policy:  policy,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Policy returns the queue's retry policy.
func (q *Queue) Policy() RetryPolicy { return q.policy }

// Enqueue merges discovered hosts by MAC. New targets start at Fingerprint
// pending; hosts in one call share an insertion rank and order by MAC.
// Returns the number of new entries.
func (q *Queue) Enqueue(hosts []model.Host) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rank++
	added := 0
	now := q.now()
	for _, h := range hosts {
		mac := model.NormalizeMAC(h.MAC)
		if mac == "" {
			continue
		}
		h.MAC = mac
		if e, ok := q.entries[mac]; ok {
			e.Target.Merge(h, now)
			continue
		}
		t := model.Target{MAC: mac}
		t.Merge(h, now)
		q.entries[mac] = &Entry{
			Target: t,
			Stage:  model.StageFingerprint,
			Status: model.StatusPending,
			rank:   q.rank,
		}
		added++
	}
	return added
}

// Restore inserts a target rehydrated from the store with an explicit
// cursor. Restored targets keep the order they are restored in.
func (q *Queue) Restore(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rank++
	e.Target.MAC = model.NormalizeMAC(e.Target.MAC)
	e.rank = q.rank
	e.claimed = false
	q.entries[e.Target.MAC] = &e
}

// Next claims the next target whose current stage is pending, in insertion
// order with ties broken by MAC ascending. ok is false when none is ready.
func (q *Queue) Next() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*Entry
	for _, e := range q.entries {
		if !e.claimed && !e.Done && !e.Parked && e.Status == model.StatusPending {
			ready = append(ready, e)
		}
	}
	if len(ready) == 0 {
		return Entry{}, false
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].rank != ready[j].rank {
			return ready[i].rank < ready[j].rank
		}
		return ready[i].Target.MAC < ready[j].Target.MAC
	})
	e := ready[0]
	e.claimed = true
	return *e, true
}

// Release returns a claimed target to the queue without changing its cursor.
func (q *Queue) Release(mac string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[model.NormalizeMAC(mac)]; ok {
		e.claimed = false
	}
}

// Start moves the target's current stage to running.
func (q *Queue) Start(mac string, stage model.StageName) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.current(mac, stage)
	if err != nil {
		return err
	}
	if e.Status != model.StatusPending {
		return fmt.Errorf("target %s stage %s is %s, not pending", mac, stage, e.Status)
	}
	e.Status = model.StatusRunning
	e.Attempts++
	return nil
}

// Preview returns the transition MarkStage would apply without applying it.
func (q *Queue) Preview(mac string, stage model.StageName, outcome model.StageStatus) (Transition, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.current(mac, stage)
	if err != nil {
		return Transition{}, err
	}
	return q.transition(e, outcome), nil
}

// MarkStage applies a stage outcome to the target's cursor: succeeded or
// skipped advances, failed parks, timed-out retries until the attempt
// budget is spent and then parks as failed.
func (q *Queue) MarkStage(mac string, stage model.StageName, outcome model.StageStatus) (Transition, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.current(mac, stage)
	if err != nil {
		return Transition{}, err
	}
	tr := q.transition(e, outcome)
	switch {
	case tr.Done:
		e.Done = true
		e.Status = tr.Status
	case tr.Parked:
		e.Parked = true
		e.Status = tr.Status
	case tr.Retry:
		e.Status = model.StatusPending
	default:
		e.Stage = tr.Stage
		e.Status = model.StatusPending
		e.Attempts = 0
	}
	return tr, nil
}

func (q *Queue) transition(e *Entry, outcome model.StageStatus) Transition {
	tr := Transition{Stage: e.Stage, Status: outcome, Attempts: e.Attempts}
	switch outcome {
	case model.StatusSucceeded, model.StatusSkipped:
		next, ok := e.Stage.Next()
		if !ok {
			tr.Done = true
			return tr
		}
		tr.Stage = next
	case model.StatusFailed:
		tr.Parked = true
	case model.StatusTimedOut:
		if e.Attempts < q.policy.MaxAttempts {
			tr.Retry = true
			tr.Delay = q.policy.Backoff(e.Attempts)
			return tr
		}
		tr.Status = model.StatusFailed
		tr.Parked = true
	default:
		tr.Status = e.Status
	}
	return tr
}

// Suspend returns a running stage to pending without spending an attempt.
func (q *Queue) Suspend(mac string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[model.NormalizeMAC(mac)]
	if !ok || e.Status != model.StatusRunning {
		return
	}
	e.Status = model.StatusPending
	if e.Attempts > 0 {
		e.Attempts--
	}
}

// Update replaces the target facts held by an entry.
func (q *Queue) Update(t model.Target) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[model.NormalizeMAC(t.MAC)]; ok {
		e.Target = t
	}
}

// Get returns a copy of the entry for mac.
func (q *Queue) Get(mac string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[model.NormalizeMAC(mac)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns every entry in queue order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}
		return out[i].Target.MAC < out[j].Target.MAC
	})
	return out
}

// Len returns the number of targets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Counts returns total, done, parked and pending targets.
func (q *Queue) Counts() (total, done, parked, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		total++
		switch {
		case e.Done:
			done++
		case e.Parked:
			parked++
		default:
			pending++
		}
	}
	return
}

// Exhausted reports whether every target is done or parked.
func (q *Queue) Exhausted() bool {
	_, _, _, pending := q.Counts()
	return pending == 0
}

func (q *Queue) current(mac string, stage model.StageName) (*Entry, error) {
	e, ok := q.entries[model.NormalizeMAC(mac)]
	if !ok {
		return nil, fmt.Errorf("unknown target %s", mac)
	}
	if e.Done || e.Parked {
		return nil, fmt.Errorf("target %s is no longer active", mac)
	}
	if e.Stage != stage {
		return nil, fmt.Errorf("target %s is at %s, not %s", mac, e.Stage, stage)
	}
	return e, nil
}
