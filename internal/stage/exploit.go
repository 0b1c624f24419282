package stage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/probes"
)

const maxAttemptOutput = 2048

// Exploit runs each candidate reference through an external runner in the
// order VulnCorrelate produced them.
type Exploit struct {
	// Command is an argv template. {target}, {port}, {ref}, {path} and
	// {mac} are substituted per attempt.
	Command    []string
	AttemptAll bool
	PerAttempt time.Duration
	Runner     probes.Runner
}

// Name implements Executor.
func (e *Exploit) Name() model.StageName { return model.StageExploit }

// Execute implements Executor. It stops at the first success unless
// AttemptAll is set; candidates left untried are recorded as skipped.
func (e *Exploit) Execute(ctx context.Context, target *model.Target, _ Env) Result {
	if len(target.Vulns) == 0 {
		return Skipped("no candidate vulnerabilities")
	}
	if len(e.Command) == 0 {
		return Skipped("no exploit runner configured")
	}
	runner := e.Runner
	if runner == nil {
		runner = probes.ExecRunner
	}

	payload := &model.ExploitPayload{}
	launchErrors := 0
	stop := false
	for _, ref := range target.Vulns {
		if stop || ctx.Err() != nil {
			payload.Attempts = append(payload.Attempts, model.ExploitAttempt{Ref: ref, Status: model.StatusSkipped})
			continue
		}

		attempt := e.attempt(ctx, runner, target, ref)
		payload.Attempts = append(payload.Attempts, attempt)
		switch {
		case attempt.Status == model.StatusSucceeded:
			payload.Compromised = true
			stop = !e.AttemptAll
		case attempt.Status == model.StatusFailed && attempt.ExitCode < 0:
			launchErrors++
		}
	}

	if ctx.Err() != nil {
		return Interrupted(ctx, payload, nil)
	}
	if launchErrors == len(target.Vulns) {
		return Failed(payload, "exploit runner could not be started")
	}
	return Succeeded(payload, nil)
}

func (e *Exploit) attempt(ctx context.Context, runner probes.Runner, target *model.Target, ref model.VulnRef) model.ExploitAttempt {
	actx := ctx
	if e.PerAttempt > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.PerAttempt)
		defer cancel()
	}

	argv := expandCommand(e.Command, target, ref)
	res := runner.Run(actx, argv[0], argv[1:]...)

	a := model.ExploitAttempt{Ref: ref, ExitCode: res.ExitCode, Output: clip(res.Stdout)}
	switch {
	case res.TimedOut:
		a.Status = model.StatusTimedOut
		a.Error = "attempt timed out"
	case res.Err != nil:
		a.Status = model.StatusFailed
		a.Error = res.Err.Error()
	default:
		a.Status = model.StatusSucceeded
	}
	return a
}

func expandCommand(tmpl []string, target *model.Target, ref model.VulnRef) []string {
	port := ""
	if ref.Port > 0 {
		port = strconv.Itoa(ref.Port)
	}
	r := strings.NewReplacer(
		"{target}", target.IP,
		"{port}", port,
		"{ref}", ref.ID,
		"{path}", ref.Path,
		"{mac}", target.MAC,
	)
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = r.Replace(a)
	}
	return out
}

func clip(b []byte) string {
	if len(b) > maxAttemptOutput {
		b = b[len(b)-maxAttemptOutput:]
	}
	return strings.TrimSpace(string(b))
}
