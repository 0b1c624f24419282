// Package display fans orchestrator events out to passive observers.
package display

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/user/prowl/internal/model"
)

// Sink consumes events. Notify is called from a single goroutine.
type Sink interface {
	Notify(ev model.Event)
}

// Dispatcher delivers events to sinks asynchronously. Events arriving while
// the buffer is full are dropped and counted; Notify never blocks.
type Dispatcher struct {
	sinks   []Sink
	ch      chan model.Event
	dropped atomic.Int64
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher with the given buffer size.
func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer < 1 {
		buffer = 64
	}
	d := &Dispatcher{
		sinks: sinks,
		ch:    make(chan model.Event, buffer),
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.ch {
		for _, s := range d.sinks {
			deliver(s, ev)
		}
	}
}

func deliver(s Sink, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("display sink %T panicked: %v", s, r)
		}
	}()
	s.Notify(ev)
}

// Notify queues an event for delivery.
func (d *Dispatcher) Notify(ev model.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()
	<-d.done
	if n := d.Dropped(); n > 0 {
		log.Warnf("display dropped %d events", n)
	}
}

// LogSink writes events to the structured log.
type LogSink struct{}

// Notify implements Sink.
func (LogSink) Notify(ev model.Event) {
	entry := log.WithFields(log.Fields{"event": ev.Type, "session": ev.SessionID})
	if ev.TargetMAC != "" {
		entry = entry.WithField("target", ev.TargetMAC)
	}
	if ev.Stage != "" {
		entry = entry.WithField("stage", ev.Stage)
	}
	if ev.Status != "" {
		entry = entry.WithField("status", ev.Status)
	}
	if ev.Summary != nil {
		s := ev.Summary
		entry = entry.WithFields(log.Fields{
			"targets": s.Targets, "done": s.Done, "failed": s.Failed,
			"vulns": s.Vulns, "exploited": s.Exploited, "files": s.Files,
		})
	}
	entry.Debug(ev.Message)
}
