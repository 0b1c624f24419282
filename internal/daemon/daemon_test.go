package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/netctl"
	"github.com/user/prowl/internal/stage"
	"github.com/user/prowl/internal/storage"
	"github.com/user/prowl/internal/util"
)

func init() {
	util.SetOutput(io.Discard)
}

func testConfig(t *testing.T) *util.Config {
	t.Helper()
	cfg := util.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Scope = "10.9.0.0/29"
	cfg.Stages.Harvest.Enabled = false
	cfg.CredentialsFile = ""
	cfg.Stages.Harvest.OutputDir = filepath.Join(cfg.DataDir, "loot")
	return cfg
}

func TestExecutorsFollowPipeline(t *testing.T) {
	execs := Executors(testConfig(t))
	require.Len(t, execs, len(model.Pipeline))
	for i, e := range execs {
		assert.Equal(t, model.Pipeline[i], e.Name())
	}
}

func TestExecutorsMethods(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stages.Discovery.Method = "arp"
	cfg.Stages.Discovery.ResolveHostnames = true
	cfg.Stages.Discovery.DNSServer = "127.0.0.1:53"
	cfg.Stages.Fingerprint.Method = "connect"

	execs := Executors(cfg)
	d := execs[0].(*stage.Discovery)
	assert.NotNil(t, d.Sweep)
	assert.NotNil(t, d.ResolveMAC)
	assert.NotNil(t, d.ResolveName)
	assert.NotNil(t, execs[1].(*stage.Fingerprint).Scan)
}

func TestHarvesterTransportOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stages.Harvest.Protocols = []string{"smb", "ssh"}
	assert.Equal(t, "harvester[smb,ssh]", Harvester(cfg).String())
}

func TestExcludeLocalDropsOwnAddress(t *testing.T) {
	sweep := func(context.Context, string) ([]model.Host, error) {
		return []model.Host{
			{MAC: "aa:00:00:00:00:01", IP: "127.0.0.1"},
			{MAC: "aa:00:00:00:00:02", IP: "10.0.0.2"},
		}, nil
	}
	hosts, err := excludeLocal("lo", sweep)(context.Background(), "10.0.0.0/24")
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "10.0.0.2", hosts[0].IP)
}

func TestExcludeLocalUnknownInterface(t *testing.T) {
	sweep := func(context.Context, string) ([]model.Host, error) {
		return []model.Host{{MAC: "aa:00:00:00:00:01", IP: "10.0.0.1"}}, errors.New("partial")
	}
	hosts, err := excludeLocal("nonexistent0", sweep)(context.Background(), "10.0.0.0/24")
	assert.Error(t, err)
	assert.Len(t, hosts, 1)
}

func TestScopeResolver(t *testing.T) {
	_, err := ScopeResolver("nonexistent0")("lab")
	assert.ErrorIs(t, err, util.ErrConfiguration)

	_, ipnet, err := net.ParseCIDR("192.168.4.17/24")
	require.NoError(t, err)
	ipnet.IP = net.ParseIP("192.168.4.17").To4()
	assert.Equal(t, "192.168.4.0/24", maskScope(ipnet))
}

func TestNewWithStaticNetwork(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, Options{Network: "lab", Once: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		d.dispatcher.Close()
		d.GetDB().Close()
	})

	src, ok := d.source.(netctl.Static)
	require.True(t, ok)
	assert.Equal(t, "lab", src.NetworkID)
	assert.True(t, src.Once)

	status := d.GetStatus()
	assert.False(t, status.Running)
	assert.Nil(t, status.Session)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.ParallelTargets = 0
	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, util.ErrConfiguration)
}

func TestNewUsesControllerByDefault(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConnectivityServer = "127.0.0.1:53"
	d, err := New(cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		d.dispatcher.Close()
		d.GetDB().Close()
	})

	c, ok := d.source.(*netctl.Controller)
	require.True(t, ok)
	assert.NotNil(t, c.Check)
}

func TestSchedulerRunJobRecordsResult(t *testing.T) {
	s := NewScheduler(context.Background())
	var runs int32
	fail := true
	job := &Job{Name: "flaky", Interval: time.Minute, Run: func(context.Context, *model.Event) error {
		atomic.AddInt32(&runs, 1)
		if fail {
			return errors.New("boom")
		}
		return nil
	}}
	s.AddJob(job)

	s.runJob(context.Background(), job, nil)
	st := s.GetJobStatuses()
	require.Len(t, st, 1)
	assert.Equal(t, "boom", st[0].LastResult)
	assert.Equal(t, 1, st[0].ErrorCount)
	assert.WithinDuration(t, time.Now().Add(time.Minute), st[0].NextRun, 2*time.Second)

	fail = false
	s.runJob(context.Background(), job, nil)
	st = s.GetJobStatuses()
	assert.Equal(t, "ok", st[0].LastResult)
	assert.Equal(t, 1, st[0].ErrorCount)
	assert.EqualValues(t, 2, atomic.LoadInt32(&runs))
}

func TestSchedulerRunsJobOnSessionEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(ctx)

	got := make(chan *model.Event, 4)
	s.AddJob(&Job{
		Name: "export",
		On:   []model.EventType{model.EventSessionClosed},
		Run: func(_ context.Context, ev *model.Event) error {
			got <- ev
			return nil
		},
	})
	s.AddJob(&Job{Name: "disabled", Run: func(context.Context, *model.Event) error { return nil }})
	require.Len(t, s.GetJobStatuses(), 1)

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	s.Notify(model.Event{Type: model.EventStageFinished, SessionID: "s1"})
	s.Notify(model.Event{Type: model.EventSessionClosed, SessionID: "s1"})
	select {
	case ev := <-got:
		require.NotNil(t, ev)
		assert.Equal(t, "s1", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("session event did not trigger the job")
	}

	assert.False(t, s.TriggerJob("missing"))
	require.True(t, s.TriggerJob("export"))
	select {
	case ev := <-got:
		assert.Nil(t, ev)
	case <-time.After(time.Second):
		t.Fatal("triggered job did not run")
	}

	cancel()
	<-done
}

func TestSchedulerFlushRunsPendingAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewScheduler(ctx)

	var seen string
	s.AddJob(&Job{
		Name: "export",
		On:   []model.EventType{model.EventSessionSuspended},
		Run: func(ctx context.Context, ev *model.Event) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			seen = ev.SessionID
			return nil
		},
	})
	s.Notify(model.Event{Type: model.EventSessionSuspended, SessionID: "s2"})
	s.Flush(context.Background())
	assert.Equal(t, "s2", seen)

	seen = ""
	s.Flush(context.Background())
	assert.Empty(t, seen)
}

func TestExportSessionWritesDocument(t *testing.T) {
	cfg := testConfig(t)
	db, err := storage.Initialize(cfg.DataDir)
	require.NoError(t, err)
	defer db.Close()

	info := &model.SessionInfo{ID: "s1", NetworkID: "lab", State: model.SessionClosed, StartedAt: time.Now()}
	require.NoError(t, storage.NewSessionStorage(db).SaveSession(context.Background(), info))

	require.NoError(t, exportSession(context.Background(), db, cfg, "s1"))
	_, err = os.Stat(filepath.Join(cfg.DataDir, ExportDir, "session-s1.json"))
	assert.NoError(t, err)

	assert.Error(t, exportSession(context.Background(), db, cfg, "missing"))
}

func TestStatusFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := &model.DaemonStatus{
		Running:   true,
		PID:       42,
		StartTime: time.Now().UTC().Truncate(time.Second),
		Uptime:    "1m0s",
		Network:   "lab",
		Jobs:      []model.JobStatus{{Name: "status", Interval: statusInterval}},
	}
	require.NoError(t, WriteStatusFile(dir, in))

	out, err := ReadStatusFile(dir)
	require.NoError(t, err)
	assert.Equal(t, in.Network, out.Network)
	assert.True(t, in.StartTime.Equal(out.StartTime))
	assert.Equal(t, statusInterval, out.Jobs[0].Interval)
}

func TestCheckRunning(t *testing.T) {
	dir := t.TempDir()
	running, _ := CheckRunning(dir)
	assert.False(t, running)

	require.NoError(t, os.WriteFile(filepath.Join(dir, PIDFile), []byte("garbage"), 0644))
	running, _ = CheckRunning(dir)
	assert.False(t, running)

	require.NoError(t, os.WriteFile(filepath.Join(dir, PIDFile), []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))
	running, pid := CheckRunning(dir)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestSendStopWhenNotRunning(t *testing.T) {
	assert.Error(t, SendStop(t.TempDir()))
}
