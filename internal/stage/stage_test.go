package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/prowl/internal/harvest"
	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/probes"
)

type stubExecutor struct {
	fn func(ctx context.Context, t *model.Target) Result
}

func (s stubExecutor) Name() model.StageName { return model.StageFingerprint }

func (s stubExecutor) Execute(ctx context.Context, t *model.Target, _ Env) Result {
	return s.fn(ctx, t)
}

func withGrace(t *testing.T, d time.Duration) {
	old := Grace
	Grace = d
	t.Cleanup(func() { Grace = old })
}

func target() *model.Target {
	return &model.Target{MAC: "aa:bb:cc:dd:ee:01", IP: "10.0.0.5"}
}

func TestRunAbandonsSlowExecutor(t *testing.T) {
	withGrace(t, 20*time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	exec := stubExecutor{fn: func(context.Context, *model.Target) Result {
		<-release
		return Succeeded(&model.FingerprintPayload{}, nil)
	}}

	start := time.Now()
	res := Run(context.Background(), exec, target(), Env{}, 30*time.Millisecond)
	assert.Equal(t, model.StatusTimedOut, res.Status)
	assert.Equal(t, "deadline exceeded", res.Err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunPartialWithFactsSucceeds(t *testing.T) {
	exec := stubExecutor{fn: func(ctx context.Context, _ *model.Target) Result {
		<-ctx.Done()
		p := &model.FingerprintPayload{Ports: []model.Port{{Port: 22, Protocol: "tcp"}}}
		return Interrupted(ctx, p, &model.Facts{Ports: p.Ports})
	}}

	res := Run(context.Background(), exec, target(), Env{}, 20*time.Millisecond)
	assert.Equal(t, model.StatusSucceeded, res.Status)
	assert.True(t, res.Partial)
	require.NotNil(t, res.Facts)
	assert.Len(t, res.Facts.Ports, 1)
}

func TestRunPartialWithoutFactsTimesOut(t *testing.T) {
	exec := stubExecutor{fn: func(ctx context.Context, _ *model.Target) Result {
		<-ctx.Done()
		return Interrupted(ctx, &model.FingerprintPayload{}, nil)
	}}

	res := Run(context.Background(), exec, target(), Env{}, 20*time.Millisecond)
	assert.Equal(t, model.StatusTimedOut, res.Status)
	assert.False(t, res.Partial)
}

func TestRunEmptyPartialIsFailure(t *testing.T) {
	exec := stubExecutor{fn: func(context.Context, *model.Target) Result {
		return Result{Status: model.StatusSucceeded, Partial: true, Payload: &model.FingerprintPayload{}}
	}}

	res := Run(context.Background(), exec, target(), Env{}, time.Second)
	assert.Equal(t, model.StatusFailed, res.Status)
}

func TestRunRecoversPanic(t *testing.T) {
	exec := stubExecutor{fn: func(context.Context, *model.Target) Result {
		panic("boom")
	}}

	res := Run(context.Background(), exec, target(), Env{}, time.Second)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Contains(t, res.Err, "boom")
}

func TestRunSessionCancelDiscardsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := stubExecutor{fn: func(context.Context, *model.Target) Result {
		cancel()
		return Succeeded(&model.FingerprintPayload{OSGuess: "Linux"}, nil)
	}}

	res := Run(ctx, exec, target(), Env{}, time.Second)
	assert.Equal(t, model.StatusTimedOut, res.Status)
	assert.Equal(t, "session interrupted", res.Err)
}

func TestRunHandsExecutorACopy(t *testing.T) {
	tgt := target()
	exec := stubExecutor{fn: func(_ context.Context, t *model.Target) Result {
		t.IP = "changed"
		return Succeeded(&model.FingerprintPayload{}, nil)
	}}

	Run(context.Background(), exec, tgt, Env{}, time.Second)
	assert.Equal(t, "10.0.0.5", tgt.IP)
}

func TestDiscoveryDedupAndExclude(t *testing.T) {
	d := &Discovery{
		Sweep: func(context.Context, string) ([]model.Host, error) {
			return []model.Host{
				{MAC: "AA-BB-CC-DD-EE-01", IP: "10.0.0.5"},
				{MAC: "aa:bb:cc:dd:ee:01", IP: "10.0.0.5"},
				{IP: "10.0.0.6"},
				{IP: "10.0.0.7"},
				{MAC: "aa:bb:cc:dd:ee:09", IP: "10.0.0.1"},
			}, nil
		},
		ResolveMAC: func(_ context.Context, ip string) (string, error) {
			if ip == "10.0.0.6" {
				return "aa:bb:cc:dd:ee:06", nil
			}
			return "", errors.New("no reply")
		},
		Exclude: []string{"10.0.0.1"},
	}

	env := Env{Scope: "10.0.0.0/24", Known: map[string]bool{"aa:bb:cc:dd:ee:01": true}}
	res := d.Execute(context.Background(), nil, env)
	require.Equal(t, model.StatusSucceeded, res.Status)

	p := res.Payload.(*model.DiscoveryPayload)
	require.Len(t, p.Hosts, 2)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", p.Hosts[0].MAC)
	assert.Equal(t, "aa:bb:cc:dd:ee:06", p.Hosts[1].MAC)
	assert.Equal(t, 1, p.New)
}

func TestDiscoverySweepError(t *testing.T) {
	d := &Discovery{Sweep: func(context.Context, string) ([]model.Host, error) {
		return nil, errors.New("no interface")
	}}
	res := d.Execute(context.Background(), nil, Env{Scope: "10.0.0.0/24"})
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Contains(t, res.Err, "no interface")
}

func TestFingerprintFacts(t *testing.T) {
	f := &Fingerprint{Scan: func(context.Context, string) (*probes.FingerprintResult, error) {
		return &probes.FingerprintResult{
			Ports:   []model.Port{{Port: 80, Protocol: "tcp", Product: "nginx", Version: "1.18.0"}},
			OSGuess: "Linux 5.x",
			Scanned: 100,
		}, nil
	}}

	res := f.Execute(context.Background(), target(), Env{})
	require.Equal(t, model.StatusSucceeded, res.Status)
	assert.Equal(t, "Linux 5.x", res.Facts.OSGuess)
	assert.Len(t, res.Facts.Ports, 1)
}

func TestFingerprintUnreachableHostFails(t *testing.T) {
	f := &Fingerprint{Scan: func(context.Context, string) (*probes.FingerprintResult, error) {
		return &probes.FingerprintResult{Scanned: 1000}, nil
	}}

	res := Run(context.Background(), f, target(), Env{}, time.Second)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.False(t, res.Partial)
	assert.Contains(t, res.Err, "no open ports")
}

func TestVulnCorrelateNoCandidatesSucceeds(t *testing.T) {
	v := &VulnCorrelate{Lookup: func(context.Context, string) ([]model.VulnRef, error) {
		return nil, nil
	}}
	tgt := target()
	tgt.Ports = []model.Port{{Port: 22, Product: "OpenSSH", Version: "9.6"}}

	res := v.Execute(context.Background(), tgt, Env{})
	assert.Equal(t, model.StatusSucceeded, res.Status)
	assert.Empty(t, res.Payload.(*model.VulnPayload).Candidates)
}

func TestVulnCorrelateDedupAndCap(t *testing.T) {
	v := &VulnCorrelate{
		MaxCandidates: 2,
		Lookup: func(_ context.Context, q string) ([]model.VulnRef, error) {
			return []model.VulnRef{{ID: "EDB-1"}, {ID: "EDB-2"}, {ID: "EDB-3"}}, nil
		},
	}
	tgt := target()
	tgt.Ports = []model.Port{{Port: 21, Product: "vsftpd", Version: "2.3.4"}, {Port: 80, Product: "Apache httpd"}}

	res := v.Execute(context.Background(), tgt, Env{})
	require.Equal(t, model.StatusSucceeded, res.Status)
	require.Len(t, res.Facts.Vulns, 2)
	assert.Equal(t, 21, res.Facts.Vulns[0].Port)
}

func TestVulnCorrelateAllLookupsFail(t *testing.T) {
	v := &VulnCorrelate{Lookup: func(context.Context, string) ([]model.VulnRef, error) {
		return nil, errors.New("searchsploit not found")
	}}
	tgt := target()
	tgt.Ports = []model.Port{{Port: 22, Product: "OpenSSH"}}

	res := v.Execute(context.Background(), tgt, Env{})
	assert.Equal(t, model.StatusFailed, res.Status)
}

func exploitTarget() *model.Target {
	tgt := target()
	tgt.Vulns = []model.VulnRef{{ID: "A", Port: 21}, {ID: "B", Port: 80}, {ID: "C", Port: 445}}
	return tgt
}

func scriptedRunner(codes map[string]int, calls *[]string) probes.Runner {
	return probes.RunnerFunc(func(_ context.Context, bin string, args ...string) probes.CommandResult {
		ref := args[len(args)-1]
		*calls = append(*calls, ref)
		code := codes[ref]
		res := probes.CommandResult{ExitCode: code}
		if code != 0 {
			res.Err = errors.New("exit status")
		}
		return res
	})
}

func TestExploitStopsAtFirstSuccess(t *testing.T) {
	var calls []string
	e := &Exploit{
		Command: []string{"run-exploit", "{target}", "{ref}"},
		Runner:  scriptedRunner(map[string]int{"A": 1, "B": 0, "C": 0}, &calls),
	}

	res := e.Execute(context.Background(), exploitTarget(), Env{})
	require.Equal(t, model.StatusSucceeded, res.Status)
	p := res.Payload.(*model.ExploitPayload)
	assert.True(t, p.Compromised)
	assert.Equal(t, []string{"A", "B"}, calls)
	require.Len(t, p.Attempts, 3)
	assert.Equal(t, model.StatusFailed, p.Attempts[0].Status)
	assert.Equal(t, model.StatusSucceeded, p.Attempts[1].Status)
	assert.Equal(t, model.StatusSkipped, p.Attempts[2].Status)
}

func TestExploitAttemptAll(t *testing.T) {
	var calls []string
	e := &Exploit{
		Command:    []string{"run-exploit", "{ref}"},
		AttemptAll: true,
		Runner:     scriptedRunner(map[string]int{"A": 1, "B": 0, "C": 0}, &calls),
	}

	res := e.Execute(context.Background(), exploitTarget(), Env{})
	assert.Equal(t, model.StatusSucceeded, res.Status)
	assert.Equal(t, []string{"A", "B", "C"}, calls)
}

func TestExploitAllLaunchErrorsFail(t *testing.T) {
	var calls []string
	e := &Exploit{
		Command: []string{"missing-binary", "{ref}"},
		Runner:  scriptedRunner(map[string]int{"A": -1, "B": -1, "C": -1}, &calls),
	}

	res := e.Execute(context.Background(), exploitTarget(), Env{})
	assert.Equal(t, model.StatusFailed, res.Status)
}

func TestExploitNoCandidatesSkipped(t *testing.T) {
	e := &Exploit{Command: []string{"x"}}
	res := e.Execute(context.Background(), target(), Env{})
	assert.Equal(t, model.StatusSkipped, res.Status)
}

func TestExpandCommand(t *testing.T) {
	argv := expandCommand([]string{"msf", "-t", "{target}:{port}", "{path}"}, exploitTarget(), model.VulnRef{ID: "EDB-1", Port: 21, Path: "/x.rb"})
	assert.Equal(t, []string{"msf", "-t", "10.0.0.5:21", "/x.rb"}, argv)
}

type stubHarvester struct {
	res *harvest.Result
	err error
}

func (s stubHarvester) Run(context.Context, *model.Target, []model.Credential, string) (*harvest.Result, error) {
	return s.res, s.err
}

func TestHarvestOutcomes(t *testing.T) {
	env := Env{Credentials: []model.Credential{{Username: "admin"}}}
	partial := &harvest.Result{
		Partial: true,
		Payload: &model.HarvestPayload{Protocol: "ftp", Files: []model.HarvestedFile{{Remote: "/a"}}},
	}

	tests := []struct {
		name    string
		h       stubHarvester
		status  model.StageStatus
		partial bool
	}{
		{"no transport", stubHarvester{err: harvest.ErrNoTransport}, model.StatusSkipped, false},
		{"auth failed", stubHarvester{res: &harvest.Result{Payload: &model.HarvestPayload{}}, err: harvest.ErrAuthFailed}, model.StatusFailed, false},
		{"budget reached", stubHarvester{res: partial}, model.StatusSucceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Harvest{Harvester: tt.h}
			res := Run(context.Background(), h, target(), env, time.Second)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.partial, res.Partial)
		})
	}
}

func TestHarvestWithoutCredentialsSkipped(t *testing.T) {
	h := &Harvest{Harvester: stubHarvester{}}
	res := h.Execute(context.Background(), target(), Env{})
	assert.Equal(t, model.StatusSkipped, res.Status)
}
