// Package stage defines the stage executor contract and the deadline wrapper
// every executor call goes through.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/prowl/internal/model"
)

// Payload is a stage-specific result body.
type Payload interface {
	FactCount() int
}

// Result is what an executor hands back to the orchestrator.
type Result struct {
	Status  model.StageStatus
	Partial bool
	Payload Payload
	Facts   *model.Facts
	Err     string
}

func (r Result) factCount() int {
	if r.Payload == nil {
		return 0
	}
	return r.Payload.FactCount()
}

// Env carries session-scoped inputs shared by every executor.
type Env struct {
	SessionID   string
	NetworkID   string
	Scope       string
	Credentials []model.Credential
	// Known holds the MACs already tracked by the session.
	Known map[string]bool
}

// Executor runs one stage against one target. Executors read the target and
// their configuration only; they never write to the result store. Discovery
// is called with a nil target.
type Executor interface {
	Name() model.StageName
	Execute(ctx context.Context, target *model.Target, env Env) Result
}

// Grace is how long Run waits for an executor to hand back partial results
// after its deadline before abandoning it.
var Grace = time.Second

// Run invokes exec with a deadline. An executor that does not return in time
// yields timed-out; its context is cancelled and its goroutine abandoned.
func Run(ctx context.Context, exec Executor, target *model.Target, env Env, timeout time.Duration) Result {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var t *model.Target
	if target != nil {
		cp := *target
		t = &cp
	}

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: model.StatusFailed, Err: fmt.Sprintf("executor panic: %v", r)}
			}
		}()
		done <- exec.Execute(sctx, t, env)
	}()

	select {
	case res := <-done:
		return finish(ctx, sctx, res)
	case <-sctx.Done():
	}
	if ctx.Err() != nil {
		return interruptedBySession()
	}

	grace := time.NewTimer(Grace)
	defer grace.Stop()
	select {
	case res := <-done:
		return finish(ctx, sctx, res)
	case <-grace.C:
		return Result{Status: model.StatusTimedOut, Err: expiry(sctx)}
	}
}

// finish drops whatever a stage produced when the session itself was
// cancelled; the stage is re-run on resume.
func finish(parent, sctx context.Context, res Result) Result {
	if parent.Err() != nil {
		return interruptedBySession()
	}
	return normalize(sctx, res)
}

func interruptedBySession() Result {
	return Result{Status: model.StatusTimedOut, Err: "session interrupted"}
}

// normalize applies the partial-result rules: work cut short by the
// deadline is a partial success when it produced facts and a timeout when
// it did not; a partial success with no facts is a failure.
func normalize(ctx context.Context, res Result) Result {
	if ctx.Err() != nil && res.Status != model.StatusFailed && res.Status != model.StatusSkipped {
		if res.factCount() > 0 {
			res.Status = model.StatusSucceeded
			res.Partial = true
			return res
		}
		res.Status = model.StatusTimedOut
		if res.Err == "" {
			res.Err = expiry(ctx)
		}
		return res
	}
	if res.Status == model.StatusSucceeded && res.Partial && res.factCount() == 0 {
		res.Status = model.StatusFailed
		if res.Err == "" {
			res.Err = "partial result with no facts"
		}
	}
	if res.Status == "" {
		res.Status = model.StatusFailed
		res.Err = "executor returned no status"
	}
	return res
}

func expiry(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "deadline exceeded"
	}
	return "cancelled"
}

// Succeeded builds a successful result.
func Succeeded(p Payload, facts *model.Facts) Result {
	return Result{Status: model.StatusSucceeded, Payload: p, Facts: facts}
}

// Failed builds a failed result.
func Failed(p Payload, format string, args ...interface{}) Result {
	return Result{Status: model.StatusFailed, Payload: p, Err: fmt.Sprintf(format, args...)}
}

// Skipped builds a skipped result.
func Skipped(reason string) Result {
	return Result{Status: model.StatusSkipped, Err: reason}
}

// Interrupted reports ctx expiry as a timeout, keeping what was gathered.
// Run turns it into a partial success when p holds facts.
func Interrupted(ctx context.Context, p Payload, facts *model.Facts) Result {
	return Result{Status: model.StatusTimedOut, Payload: p, Facts: facts, Err: expiry(ctx)}
}
