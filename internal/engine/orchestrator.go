// Package engine drives discovered targets through the stage pipeline,
// persisting every transition so a run can resume where it stopped.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/user/prowl/internal/display"
	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/netctl"
	"github.com/user/prowl/internal/queue"
	"github.com/user/prowl/internal/stage"
	"github.com/user/prowl/internal/util"
)

const interruptedMsg = "session interrupted"

// Store is the durable result store.
type Store interface {
	UpsertTarget(ctx context.Context, networkID, sessionID string, h model.Host) (*model.Target, bool, error)
	RecordStage(ctx context.Context, rec model.StageRecord, facts *model.Facts) error
	LoadSession(ctx context.Context, networkID string) ([]model.TargetState, error)
	ResetNetwork(ctx context.Context, networkID string) error
	Flush(ctx context.Context) error
}

// SessionStore keeps session bookkeeping.
type SessionStore interface {
	SaveSession(ctx context.Context, info *model.SessionInfo) error
	GetSession(ctx context.Context, id string) (*model.SessionInfo, error)
	LatestSession(ctx context.Context, networkID string) (*model.SessionInfo, error)
}

// Orchestrator owns sessions and runs the per-target state machine.
type Orchestrator struct {
	cfg      *util.Config
	store    Store
	sessions SessionStore
	sink     display.Sink
	execs    map[model.StageName]stage.Executor
	creds    []model.Credential
	policy   queue.RetryPolicy

	// ResolveScope derives the scan scope when none is configured.
	ResolveScope func(networkID string) (string, error)

	now func() time.Time

	mu        sync.Mutex
	active    *activeSession
	current   *Session
	suspended map[string]string
}

type activeSession struct {
	networkID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an orchestrator. The configuration is validated here so that
// a bad setup fails before any session starts.
func New(cfg *util.Config, store Store, sessions SessionStore, sink display.Sink, creds []model.Credential, execs ...stage.Executor) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Stages.Harvest.Enabled && len(creds) == 0 {
		return nil, &ConfigError{Field: "credentials", Reason: "harvest is enabled but no credentials are configured"}
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		sink:     sink,
		execs:    make(map[model.StageName]stage.Executor),
		creds:    creds,
		policy: queue.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Base:        cfg.BackoffBase,
			Max:         cfg.BackoffMax,
		},
		now:       time.Now,
		suspended: make(map[string]string),
	}
	for _, e := range execs {
		o.execs[e.Name()] = e
	}
	return o, nil
}

// Run handles connectivity events until ctx ends or the channel closes.
// A closed channel lets the active session finish first.
func (o *Orchestrator) Run(ctx context.Context, events <-chan netctl.Event) error {
	for {
		select {
		case <-ctx.Done():
			o.stopActive()
			return nil
		case ev, ok := <-events:
			if !ok {
				o.Wait()
				return nil
			}
			o.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent starts a session on Connected and suspends the running one on
// Disconnected. Sessions run in the background.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev netctl.Event) {
	o.mu.Lock()
	cur := o.active
	o.mu.Unlock()

	switch ev.Type {
	case netctl.Connected:
		if cur != nil {
			if cur.networkID == ev.NetworkID {
				return
			}
			o.stopActive()
		}
		sctx, cancel := context.WithCancel(ctx)
		a := &activeSession{networkID: ev.NetworkID, cancel: cancel, done: make(chan struct{})}
		o.mu.Lock()
		o.active = a
		o.mu.Unlock()

		go func() {
			defer close(a.done)
			defer cancel()
			sum, err := o.RunSession(sctx, ev.NetworkID)
			entry := util.WithFields(logrus.Fields{"network": ev.NetworkID})
			switch {
			case errors.Is(err, ErrSessionSuspended):
				entry.Info("Session suspended")
			case err != nil:
				entry.WithError(err).Error("Session aborted")
			default:
				entry.Infof("Session finished: %d targets, %d done, %d failed", sum.Targets, sum.Done, sum.Failed)
			}
			o.mu.Lock()
			if o.active == a {
				o.active = nil
			}
			o.mu.Unlock()
		}()

	case netctl.Disconnected:
		if cur != nil && (ev.NetworkID == "" || cur.networkID == ev.NetworkID) {
			o.stopActive()
		}
	}
}

func (o *Orchestrator) stopActive() {
	o.mu.Lock()
	a := o.active
	o.active = nil
	o.mu.Unlock()
	if a != nil {
		a.cancel()
		<-a.done
	}
}

// Wait blocks until the active session, if any, ends.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	a := o.active
	o.mu.Unlock()
	if a != nil {
		<-a.done
	}
}

// Current returns the session being run, or nil.
func (o *Orchestrator) Current() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// RunSession runs one session on networkID until its queue is exhausted,
// ctx ends (ErrSessionSuspended) or a fatal error occurs.
func (o *Orchestrator) RunSession(ctx context.Context, networkID string) (*model.Summary, error) {
	sess, resumed, err := o.openSession(ctx, networkID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.current = sess
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		if o.current == sess {
			o.current = nil
		}
		o.mu.Unlock()
	}()

	err = o.drive(ctx, sess, resumed)
	return o.closeSession(ctx, sess, err)
}

func (o *Orchestrator) openSession(ctx context.Context, networkID string) (*Session, bool, error) {
	scope := o.cfg.Scope
	if scope == "" {
		if o.ResolveScope == nil {
			return nil, false, &ConfigError{Field: "scope", Reason: "not set and cannot be derived"}
		}
		s, err := o.ResolveScope(networkID)
		if err != nil {
			return nil, false, &ConfigError{Field: "scope", Reason: err.Error()}
		}
		scope = s
	}

	o.mu.Lock()
	id, resumed := o.suspended[networkID]
	o.mu.Unlock()
	startedAt := time.Time{}
	if o.sessions != nil {
		var (
			info *model.SessionInfo
			err  error
		)
		if resumed {
			info, err = o.sessions.GetSession(ctx, id)
		} else {
			info, err = o.sessions.LatestSession(ctx, networkID)
		}
		if err != nil {
			return nil, false, &PersistenceError{Op: "load session", Err: err}
		}
		switch {
		case resumed && info != nil:
			startedAt = info.StartedAt
		case !resumed && info != nil && info.State == model.SessionSuspended:
			id, resumed, startedAt = info.ID, true, info.StartedAt
		}
	}

	if !resumed && o.cfg.FreshStart {
		if err := o.store.ResetNetwork(ctx, networkID); err != nil {
			return nil, false, err
		}
	}

	sess := newSession(id, networkID, o.policy)
	sess.Scope = scope
	if !startedAt.IsZero() {
		sess.StartedAt = startedAt
	}
	if o.sessions != nil {
		if err := o.sessions.SaveSession(ctx, sess.Info()); err != nil {
			return nil, false, err
		}
	}
	return sess, resumed, nil
}

func (o *Orchestrator) drive(ctx context.Context, sess *Session, resumed bool) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if err := o.rehydrate(runCtx, sess, resumed); err != nil {
		return err
	}
	util.WithFields(logrus.Fields{"session": sess.ID, "network": sess.NetworkID, "resumed": resumed}).
		Infof("Session started with %d known targets", sess.Queue.Len())
	o.notify(sess, model.Event{Type: model.EventSessionStarted, Message: sess.Scope})

	if err := o.discover(runCtx, sess); err != nil {
		return err
	}

	workers := o.cfg.ParallelTargets
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for runCtx.Err() == nil {
				e, ok := sess.Queue.Next()
				if !ok {
					return
				}
				if err := o.runTarget(runCtx, sess, e); err != nil {
					cancel(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if cause := context.Cause(runCtx); cause != nil && Fatal(cause) {
		return cause
	}
	if ctx.Err() != nil {
		return ErrSessionSuspended
	}
	return nil
}

func (o *Orchestrator) closeSession(ctx context.Context, sess *Session, err error) (*model.Summary, error) {
	evType := model.EventSessionClosed
	o.mu.Lock()
	if errors.Is(err, ErrSessionSuspended) {
		sess.setState(model.SessionSuspended, nil)
		o.suspended[sess.NetworkID] = sess.ID
		evType = model.EventSessionSuspended
	} else {
		sess.setState(model.SessionClosed, err)
		delete(o.suspended, sess.NetworkID)
	}
	o.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	if ferr := o.store.Flush(bg); ferr != nil && err == nil {
		err = ferr
		sess.setState(model.SessionClosed, err)
	}
	if o.sessions != nil {
		if serr := o.sessions.SaveSession(bg, sess.Info()); serr != nil && err == nil {
			err = serr
		}
	}

	sum := sess.Summary()
	o.notify(sess, model.Event{Type: model.EventSummary, Summary: &sum})
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.notify(sess, model.Event{Type: evType, Summary: &sum, Message: msg})
	return &sum, err
}

// rehydrate rebuilds the queue from the store. Targets whose pipeline is
// complete are marked done and never revisited.
func (o *Orchestrator) rehydrate(ctx context.Context, sess *Session, resumed bool) error {
	states, err := o.store.LoadSession(ctx, sess.NetworkID)
	if err != nil {
		return asPersistence("load session", err)
	}
	now := o.now()
	for _, st := range states {
		e := o.cursor(st, resumed, now)
		sess.Queue.Restore(e)
		for _, name := range []model.StageName{model.StageExploit, model.StageHarvest} {
			if rec, ok := st.Records[name]; ok && rec.Status.Advances() {
				sess.tally(st.Target.MAC, decodePayload(name, rec.Payload))
			}
		}
	}
	return nil
}

// cursor finds the first stage of a stored target that has not advanced.
func (o *Orchestrator) cursor(st model.TargetState, resumed bool, now time.Time) queue.Entry {
	e := queue.Entry{Target: st.Target}
	for _, name := range model.Pipeline[1:] {
		rec, ok := st.Records[name]
		e.Stage = name
		if !ok {
			e.Status = model.StatusPending
			return e
		}
		if rec.Status.Advances() {
			continue
		}
		if rec.Status == model.StatusFailed {
			if !resumed && o.cfg.RetryFailedDue(rec.FinishedAt, now) {
				e.Status = model.StatusPending
				return e
			}
			e.Status = model.StatusFailed
			e.Attempts = rec.Attempts
			e.Parked = true
			return e
		}
		// timed out or left running: retry with at least one attempt left
		e.Status = model.StatusPending
		e.Attempts = rec.Attempts
		if e.Attempts >= o.policy.MaxAttempts {
			e.Attempts = o.policy.MaxAttempts - 1
		}
		return e
	}
	e.Status = st.Records[model.StageHarvest].Status
	e.Done = true
	return e
}

func (o *Orchestrator) discover(ctx context.Context, sess *Session) error {
	exec := o.execs[model.StageDiscovery]
	sc := o.cfg.Stage(model.StageDiscovery)
	if exec == nil || !sc.Enabled {
		return o.recordDiscovery(ctx, sess, stage.Skipped("discovery disabled"))
	}

	var res stage.Result
	for attempt := 1; ; attempt++ {
		res = stage.Run(ctx, exec, nil, o.env(sess), o.timeout(sc))
		if ctx.Err() != nil {
			return nil
		}
		if res.Status != model.StatusTimedOut || attempt >= o.policy.MaxAttempts {
			break
		}
		if !sleep(ctx, o.policy.Backoff(attempt)) {
			return nil
		}
	}

	if err := o.recordDiscovery(ctx, sess, res); err != nil {
		return err
	}
	log := util.WithFields(logrus.Fields{"session": sess.ID, "stage": model.StageDiscovery, "status": res.Status})
	p, _ := res.Payload.(*model.DiscoveryPayload)
	if !res.Status.Advances() || p == nil {
		log.Warnf("Discovery found nothing new: %s", res.Err)
		return nil
	}

	var hosts []model.Host
	for _, h := range p.Hosts {
		t, created, err := o.store.UpsertTarget(ctx, sess.NetworkID, sess.ID, h)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return asPersistence("upsert target", err)
		}
		hosts = append(hosts, h)
		if created {
			o.notify(sess, model.Event{Type: model.EventTargetDiscovered, TargetMAC: t.MAC, TargetIP: t.IP})
		}
	}
	added := sess.Queue.Enqueue(hosts)
	log.WithField("partial", res.Partial).Infof("Discovery found %d hosts, %d new", len(hosts), added)
	return nil
}

// recordDiscovery saves the sweep outcome on the session row. A failed or
// timed out sweep does not end the session but stays visible in reports.
func (o *Orchestrator) recordDiscovery(ctx context.Context, sess *Session, res stage.Result) error {
	sess.setDiscovery(res.Status, res.Err)
	o.notify(sess, model.Event{
		Type:    model.EventStageFinished,
		Stage:   model.StageDiscovery,
		Status:  res.Status,
		Partial: res.Partial,
		Message: res.Err,
	})
	if o.sessions == nil {
		return nil
	}
	if err := o.sessions.SaveSession(ctx, sess.Info()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return asPersistence("save session", err)
	}
	return nil
}

// runTarget drives one claimed target until it is done, parked, or the
// session stops. Only fatal errors are returned.
func (o *Orchestrator) runTarget(ctx context.Context, sess *Session, e queue.Entry) error {
	mac := e.Target.MAC
	for {
		tr, interrupted, err := o.step(ctx, sess, e)
		if err != nil || interrupted {
			sess.Queue.Release(mac)
			return err
		}
		if tr.Done || tr.Parked {
			return nil
		}
		if tr.Retry && !sleep(ctx, tr.Delay) {
			sess.Queue.Release(mac)
			return nil
		}
		e, _ = sess.Queue.Get(mac)
	}
}

// step runs the target's current stage once. The stage record is durably
// written before the queue cursor moves.
func (o *Orchestrator) step(ctx context.Context, sess *Session, e queue.Entry) (queue.Transition, bool, error) {
	mac, name := e.Target.MAC, e.Stage
	if err := sess.Queue.Start(mac, name); err != nil {
		util.Warn("Cannot start %s for %s: %v", name, mac, err)
		return queue.Transition{}, true, nil
	}
	cur, _ := sess.Queue.Get(mac)

	rec := model.StageRecord{
		NetworkID: sess.NetworkID,
		TargetMAC: mac,
		Stage:     name,
		Status:    model.StatusRunning,
		Attempts:  cur.Attempts,
		StartedAt: o.now().UTC(),
		SessionID: sess.ID,
	}
	log := util.WithFields(logrus.Fields{
		"session": sess.ID, "target": mac, "stage": name, "attempt": cur.Attempts,
	})

	exec := o.execs[name]
	sc := o.cfg.Stage(name)
	var res stage.Result
	if exec == nil || !sc.Enabled {
		res = stage.Skipped("stage disabled")
	} else {
		if err := o.store.RecordStage(ctx, rec, nil); err != nil {
			sess.Queue.Suspend(mac)
			if ctx.Err() != nil {
				return queue.Transition{}, true, nil
			}
			return queue.Transition{}, false, asPersistence("record stage", err)
		}
		log.Debug("Stage started")
		o.notify(sess, model.Event{Type: model.EventStageStarted, TargetMAC: mac, TargetIP: e.Target.IP, Stage: name, Status: model.StatusRunning})
		res = stage.Run(ctx, exec, &cur.Target, o.env(sess), o.timeout(sc))
	}

	if ctx.Err() != nil {
		sess.Queue.Suspend(mac)
		parked, _ := sess.Queue.Get(mac)
		rec.Status = model.StatusTimedOut
		rec.Attempts = parked.Attempts
		rec.FinishedAt = o.now().UTC()
		rec.Error = interruptedMsg
		if err := o.store.RecordStage(context.WithoutCancel(ctx), rec, nil); err != nil {
			log.WithError(err).Warn("Failed to checkpoint interrupted stage")
		}
		log.Info("Stage interrupted")
		return queue.Transition{}, true, nil
	}

	tr, err := sess.Queue.Preview(mac, name, res.Status)
	if err != nil {
		return tr, false, err
	}
	rec.Status = tr.Status
	rec.Partial = res.Partial
	rec.FinishedAt = o.now().UTC()
	rec.Error = res.Err
	if res.Payload != nil {
		if data, err := json.Marshal(res.Payload); err == nil {
			rec.Payload = data
		}
	}
	if err := o.store.RecordStage(ctx, rec, res.Facts); err != nil {
		sess.Queue.Suspend(mac)
		return tr, false, asPersistence("record stage", err)
	}

	if tr, err = sess.Queue.MarkStage(mac, name, res.Status); err != nil {
		return tr, false, err
	}
	if !res.Facts.Empty() {
		t := cur.Target
		t.Apply(res.Facts)
		sess.Queue.Update(t)
	}
	sess.tally(mac, res.Payload)

	entry := log.WithFields(logrus.Fields{"status": tr.Status, "partial": res.Partial})
	switch {
	case tr.Retry:
		entry.Infof("Stage timed out, retrying in %s", tr.Delay)
	case tr.Status == model.StatusFailed:
		entry.Warnf("Stage failed: %s", res.Err)
	default:
		entry.Info("Stage finished")
	}
	sum := sess.Summary()
	o.notify(sess, model.Event{
		Type:      model.EventStageFinished,
		TargetMAC: mac,
		TargetIP:  cur.Target.IP,
		Stage:     name,
		Status:    tr.Status,
		Partial:   res.Partial,
		Summary:   &sum,
		Message:   res.Err,
	})
	return tr, false, nil
}

func (o *Orchestrator) env(sess *Session) stage.Env {
	known := make(map[string]bool)
	for _, e := range sess.Queue.Entries() {
		known[e.Target.MAC] = true
	}
	return stage.Env{
		SessionID:   sess.ID,
		NetworkID:   sess.NetworkID,
		Scope:       sess.Scope,
		Credentials: o.creds,
		Known:       known,
	}
}

func (o *Orchestrator) timeout(sc util.StageConfig) time.Duration {
	if sc.Timeout <= 0 {
		return time.Minute
	}
	return sc.Timeout
}

func (o *Orchestrator) notify(sess *Session, ev model.Event) {
	if o.sink == nil {
		return
	}
	ev.SessionID = sess.ID
	ev.NetworkID = sess.NetworkID
	if ev.Time.IsZero() {
		ev.Time = o.now().UTC()
	}
	o.sink.Notify(ev)
}

func asPersistence(op string, err error) error {
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func decodePayload(name model.StageName, data json.RawMessage) interface{} {
	var p interface{}
	switch name {
	case model.StageExploit:
		p = &model.ExploitPayload{}
	case model.StageHarvest:
		p = &model.HarvestPayload{}
	default:
		return nil
	}
	if len(data) == 0 || json.Unmarshal(data, p) != nil {
		return nil
	}
	return p
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// String describes the orchestrator for logs.
func (o *Orchestrator) String() string {
	return fmt.Sprintf("orchestrator[%d stages, %d workers]", len(o.execs), o.cfg.ParallelTargets)
}
