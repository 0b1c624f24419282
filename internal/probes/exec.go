package probes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultCommandTimeout applies when the caller's context has no deadline.
const DefaultCommandTimeout = 60 * time.Second

// CommandResult is the outcome of an external tool run.
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	TimedOut bool
	Err      error
}

// Runner runs external tools. Stage executors take a Runner so tests can
// substitute canned output.
type Runner interface {
	Run(ctx context.Context, bin string, args ...string) CommandResult
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, bin string, args ...string) CommandResult

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, bin string, args ...string) CommandResult {
	return f(ctx, bin, args...)
}

// ExecRunner runs tools as child processes.
var ExecRunner Runner = RunnerFunc(RunCommand)

// RunCommand starts bin in its own process group. When ctx ends the whole
// group is killed, so tools that fork helpers do not outlive the stage.
func RunCommand(ctx context.Context, bin string, args ...string) CommandResult {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCommandTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	res := CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded)
		res.Err = fmt.Errorf("%s interrupted: %w", bin, ctxErr)
		return res
	}
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", bin, err)
	}
	return res
}
