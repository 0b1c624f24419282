package display

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/prowl/internal/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
	block  chan struct{}
}

func (r *recordingSink) Notify(ev model.Event) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(8, sink)
	for i := 0; i < 5; i++ {
		d.Notify(model.Event{Type: model.EventStageStarted, Message: string(rune('a' + i))})
	}
	d.Close()

	require.Equal(t, 5, sink.count())
	assert.Equal(t, "a", sink.events[0].Message)
	assert.Equal(t, "e", sink.events[4].Message)
	assert.Zero(t, d.Dropped())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(2, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(model.Event{Type: model.EventStageFinished})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow sink")
	}

	close(sink.block)
	d.Close()
	assert.Positive(t, d.Dropped())
	assert.EqualValues(t, 10, int64(sink.count())+d.Dropped())
}

func TestDispatcherIgnoresEventsAfterClose(t *testing.T) {
	d := NewDispatcher(1)
	d.Close()
	d.Notify(model.Event{})
	d.Close()
}

type panicSink struct{}

func (panicSink) Notify(model.Event) { panic("broken display") }

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(4, panicSink{}, sink)
	d.Notify(model.Event{})
	d.Notify(model.Event{})
	d.Close()
	assert.Equal(t, 2, sink.count())
}

func TestStatusFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	s := NewStatusFileSink(path)
	now := time.Now()

	s.Notify(model.Event{Type: model.EventSessionStarted, SessionID: "s1", NetworkID: "lab", Time: now})
	s.Notify(model.Event{Type: model.EventTargetDiscovered, TargetMAC: "aa:bb:cc:dd:ee:02", TargetIP: "10.0.0.2", Time: now})
	s.Notify(model.Event{Type: model.EventStageFinished, TargetMAC: "aa:bb:cc:dd:ee:01", Stage: model.StageFingerprint, Status: model.StatusSucceeded, Time: now})
	s.Notify(model.Event{Type: model.EventSummary, Summary: &model.Summary{Targets: 2, Done: 1}, Time: now})

	st, err := ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, "s1", st.SessionID)
	assert.Equal(t, model.SessionActive, st.State)
	assert.Equal(t, 2, st.Summary.Targets)
	require.Len(t, st.Targets, 2)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", st.Targets[0].MAC)
	assert.Equal(t, model.StageFingerprint, st.Targets[0].Stage)
	assert.Equal(t, "10.0.0.2", st.Targets[1].IP)

	s.Notify(model.Event{Type: model.EventSessionSuspended, Time: now})
	st, err = ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, model.SessionSuspended, st.State)
}
