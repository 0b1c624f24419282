package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/util"
)

const defaultJobTimeout = 30 * time.Second

// Job is housekeeping work run next to the orchestrator. It runs every
// Interval, and also whenever the orchestrator emits one of the events in On.
type Job struct {
	Name     string
	Interval time.Duration
	On       []model.EventType
	Timeout  time.Duration
	// Run receives the event that triggered it, or nil for a periodic run.
	Run func(ctx context.Context, ev *model.Event) error

	wake chan struct{}

	mu         sync.Mutex
	pending    *model.Event
	lastRun    time.Time
	nextRun    time.Time
	lastError  error
	errorCount int
	running    bool
}

func (j *Job) wants(t model.EventType) bool {
	for _, on := range j.On {
		if on == t {
			return true
		}
	}
	return false
}

// signal queues a run. Triggers that arrive before the job gets to run are
// coalesced; the latest event wins.
func (j *Job) signal(ev *model.Event) {
	j.mu.Lock()
	if ev != nil {
		j.pending = ev
	}
	j.mu.Unlock()
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *Job) takePending() *model.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	ev := j.pending
	j.pending = nil
	return ev
}

// Scheduler runs jobs on their interval and on orchestrator events. It is a
// display.Sink so it can sit behind the dispatcher.
type Scheduler struct {
	ctx  context.Context
	jobs []*Job
	mu   sync.RWMutex
	wg   sync.WaitGroup
}

// NewScheduler creates a scheduler bound to ctx.
func NewScheduler(ctx context.Context) *Scheduler {
	return &Scheduler{ctx: ctx}
}

// AddJob registers a job. A job with neither an interval nor trigger events
// is disabled and ignored.
func (s *Scheduler) AddJob(job *Job) {
	if job.Interval <= 0 && len(job.On) == 0 {
		return
	}
	if job.Timeout <= 0 {
		job.Timeout = defaultJobTimeout
	}
	job.wake = make(chan struct{}, 1)
	if job.Interval > 0 {
		job.nextRun = time.Now().Add(job.Interval)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
}

// Notify implements display.Sink. It never blocks.
func (s *Scheduler) Notify(ev model.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.wants(ev.Type) {
			e := ev
			job.signal(&e)
		}
	}
}

// Run starts one loop per job and blocks until the scheduler context ends
// and every job has returned.
func (s *Scheduler) Run() {
	s.mu.RLock()
	jobs := s.jobs
	s.mu.RUnlock()

	util.Info("Scheduler started with %d jobs", len(jobs))
	for _, job := range jobs {
		s.wg.Add(1)
		go s.loop(job)
	}
	<-s.ctx.Done()
	s.wg.Wait()
	util.Info("Scheduler stopped")
}

func (s *Scheduler) loop(job *Job) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if job.Interval > 0 {
		t := time.NewTicker(job.Interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-tick:
			s.runJob(s.ctx, job, nil)
		case <-job.wake:
			s.runJob(s.ctx, job, job.takePending())
		}
	}
}

// Flush runs every job that still has an event-triggered run queued. It is
// used after the scheduler context ends so the final session events are not
// lost on shutdown.
func (s *Scheduler) Flush(ctx context.Context) {
	s.mu.RLock()
	jobs := s.jobs
	s.mu.RUnlock()
	for _, job := range jobs {
		if ev := job.takePending(); ev != nil {
			s.runJob(ctx, job, ev)
		}
	}
}

func (s *Scheduler) runJob(parent context.Context, job *Job, ev *model.Event) {
	job.mu.Lock()
	job.running = true
	job.lastRun = time.Now()
	job.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, job.Timeout)
	defer cancel()
	err := job.Run(ctx, ev)

	job.mu.Lock()
	defer job.mu.Unlock()
	job.running = false
	job.lastError = err
	if job.Interval > 0 {
		job.nextRun = job.lastRun.Add(job.Interval)
	}
	if err != nil {
		job.errorCount++
		trigger := "interval"
		if ev != nil {
			trigger = string(ev.Type)
		}
		util.Warn("Job %s (%s) failed: %v", job.Name, trigger, err)
	}
}

// GetJobStatuses returns the status of all jobs.
func (s *Scheduler) GetJobStatuses() []model.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]model.JobStatus, len(s.jobs))
	for i, job := range s.jobs {
		job.mu.Lock()
		st := model.JobStatus{
			Name:       job.Name,
			Interval:   job.Interval,
			LastRun:    job.lastRun,
			NextRun:    job.nextRun,
			ErrorCount: job.errorCount,
			Running:    job.running,
		}
		switch {
		case job.lastError != nil:
			st.LastResult = job.lastError.Error()
		case !job.lastRun.IsZero():
			st.LastResult = "ok"
		}
		job.mu.Unlock()
		statuses[i] = st
	}
	return statuses
}

// TriggerJob queues an immediate run of the named job.
func (s *Scheduler) TriggerJob(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.Name == name {
			job.signal(nil)
			return true
		}
	}
	return false
}
