package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/util"
)

const net1 = "lab-wifi"

func openTestStore(t *testing.T) (*DB, *ResultStore) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, NewResultStore(db)
}

func rec(mac string, stage model.StageName, status model.StageStatus) model.StageRecord {
	now := time.Now()
	return model.StageRecord{
		NetworkID:  net1,
		TargetMAC:  mac,
		Stage:      stage,
		Status:     status,
		Attempts:   1,
		StartedAt:  now,
		FinishedAt: now,
	}
}

func TestUpsertTargetIsIdempotent(t *testing.T) {
	_, store := openTestStore(t)
	ctx := context.Background()

	hosts := []model.Host{
		{MAC: "AA:BB:CC:00:00:01", IP: "10.0.0.5"},
		{MAC: "aa:bb:cc:00:00:02", IP: "10.0.0.6", Vendor: "Raspberry Pi"},
	}
	for round := 0; round < 2; round++ {
		for _, h := range hosts {
			_, created, err := store.UpsertTarget(ctx, net1, "s1", h)
			require.NoError(t, err)
			assert.Equal(t, round == 0, created)
		}
	}

	states, err := store.Snapshot(ctx, net1)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "aa:bb:cc:00:00:01", states[0].Target.MAC)
	assert.Equal(t, "Raspberry Pi", states[1].Target.Vendor)
	for _, st := range states {
		require.Len(t, st.Records, 1)
		assert.Equal(t, model.StatusSucceeded, st.Records[model.StageDiscovery].Status)
	}
}

func TestUpsertTargetMergesFacts(t *testing.T) {
	_, store := openTestStore(t)
	ctx := context.Background()
	mac := "aa:bb:cc:00:00:01"

	_, _, err := store.UpsertTarget(ctx, net1, "s1", model.Host{MAC: mac, IP: "10.0.0.5", Hostname: "cam"})
	require.NoError(t, err)
	require.NoError(t, store.RecordStage(ctx, rec(mac, model.StageFingerprint, model.StatusSucceeded),
		&model.Facts{Ports: []model.Port{{Port: 22, Protocol: "tcp", Service: "ssh"}}}))

	tgt, _, err := store.UpsertTarget(ctx, net1, "s2", model.Host{MAC: mac, IP: "10.0.0.9"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", tgt.IP)
	assert.Equal(t, "cam", tgt.Hostname)
	require.Len(t, tgt.Ports, 1)
	assert.Equal(t, "ssh", tgt.Ports[0].Service)
}

func TestRecordStageEnforcesOrder(t *testing.T) {
	_, store := openTestStore(t)
	ctx := context.Background()
	mac := "aa:bb:cc:00:00:01"

	err := store.RecordStage(ctx, rec(mac, model.StageFingerprint, model.StatusRunning), nil)
	assert.ErrorIs(t, err, ErrUnknownTarget)

	_, _, err = store.UpsertTarget(ctx, net1, "s1", model.Host{MAC: mac, IP: "10.0.0.5"})
	require.NoError(t, err)

	err = store.RecordStage(ctx, rec(mac, model.StageExploit, model.StatusRunning), nil)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	require.NoError(t, store.RecordStage(ctx, rec(mac, model.StageFingerprint, model.StatusRunning), nil))
	err = store.RecordStage(ctx, rec(mac, model.StageVulnCorrelate, model.StatusRunning), nil)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	require.NoError(t, store.RecordStage(ctx, rec(mac, model.StageFingerprint, model.StatusSucceeded), nil))
	err = store.RecordStage(ctx, rec(mac, model.StageFingerprint, model.StatusRunning), nil)
	assert.ErrorIs(t, err, ErrOutOfOrder, "succeeded stage must not be reopened")

	require.NoError(t, store.RecordStage(ctx, rec(mac, model.StageVulnCorrelate, model.StatusSkipped), nil))
	require.NoError(t, store.RecordStage(ctx, rec(mac, model.StageExploit, model.StatusRunning), nil))

	recs, err := store.Records(ctx, net1, mac)
	require.NoError(t, err)
	var seqs []int
	for _, r := range recs {
		seqs = append(seqs, r.Stage.Seq())
	}
	assert.Equal(t, []int{0, 1, 2, 3}, seqs)
}

func TestLoadSessionRecoversRunning(t *testing.T) {
	_, store := openTestStore(t)
	ctx := context.Background()
	mac := "aa:bb:cc:00:00:01"

	_, _, err := store.UpsertTarget(ctx, net1, "s1", model.Host{MAC: mac, IP: "10.0.0.5"})
	require.NoError(t, err)
	require.NoError(t, store.RecordStage(ctx, rec(mac, model.StageFingerprint, model.StatusRunning), nil))

	snap, err := store.Snapshot(ctx, net1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, snap[0].Records[model.StageFingerprint].Status)

	states, err := store.LoadSession(ctx, net1)
	require.NoError(t, err)
	require.Len(t, states, 1)
	fp := states[0].Records[model.StageFingerprint]
	assert.Equal(t, model.StatusTimedOut, fp.Status)
	assert.NotEmpty(t, fp.Error)
}

func TestRecordStageKeepsPayload(t *testing.T) {
	_, store := openTestStore(t)
	ctx := context.Background()
	mac := "aa:bb:cc:00:00:01"

	_, _, err := store.UpsertTarget(ctx, net1, "s1", model.Host{MAC: mac, IP: "10.0.0.5"})
	require.NoError(t, err)

	r := rec(mac, model.StageFingerprint, model.StatusSucceeded)
	r.Partial = true
	r.Payload, _ = json.Marshal(model.FingerprintPayload{Ports: []model.Port{{Port: 80}}, Scanned: 5})
	require.NoError(t, store.RecordStage(ctx, r, nil))

	recs, err := store.Records(ctx, net1, mac)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	got := recs[1]
	assert.True(t, got.Partial)
	var p model.FingerprintPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, 5, p.Scanned)
}

func TestConcurrentWritesAcrossTargets(t *testing.T) {
	_, store := openTestStore(t)
	ctx := context.Background()
	macs := []string{"aa:00:00:00:00:01", "aa:00:00:00:00:02", "aa:00:00:00:00:03", "aa:00:00:00:00:04"}

	for _, m := range macs {
		_, _, err := store.UpsertTarget(ctx, net1, "s1", model.Host{MAC: m, IP: "10.0.0.1"})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(macs))
	for _, m := range macs {
		wg.Add(1)
		go func(mac string) {
			defer wg.Done()
			for _, st := range model.Pipeline[1:] {
				if err := store.RecordStage(ctx, rec(mac, st, model.StatusSucceeded), nil); err != nil {
					errs <- err
					return
				}
			}
		}(m)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	states, err := store.Snapshot(ctx, net1)
	require.NoError(t, err)
	for _, st := range states {
		assert.Len(t, st.Records, len(model.Pipeline))
	}
}

func TestResetNetwork(t *testing.T) {
	_, store := openTestStore(t)
	ctx := context.Background()

	_, _, err := store.UpsertTarget(ctx, net1, "s1", model.Host{MAC: "aa:00:00:00:00:01"})
	require.NoError(t, err)
	_, _, err = store.UpsertTarget(ctx, "other", "s2", model.Host{MAC: "aa:00:00:00:00:01"})
	require.NoError(t, err)

	require.NoError(t, store.ResetNetwork(ctx, net1))
	states, err := store.Snapshot(ctx, net1)
	require.NoError(t, err)
	assert.Empty(t, states)

	nets, err := store.Networks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, nets)
}

func TestPersistenceErrorOnClosedDB(t *testing.T) {
	db, store := openTestStore(t)
	db.Close()

	_, _, err := store.UpsertTarget(context.Background(), net1, "s1", model.Host{MAC: "aa:00:00:00:00:01"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrPersistence))
}

func TestSessionStorage(t *testing.T) {
	db, _ := openTestStore(t)
	sessions := NewSessionStorage(db)
	ctx := context.Background()

	start := time.Now().Add(-time.Hour)
	a := &model.SessionInfo{ID: "a", NetworkID: net1, State: model.SessionClosed, StartedAt: start}
	b := &model.SessionInfo{ID: "b", NetworkID: net1, State: model.SessionActive, StartedAt: start.Add(time.Minute)}
	require.NoError(t, sessions.SaveSession(ctx, a))
	require.NoError(t, sessions.SaveSession(ctx, b))

	b.Summary = model.Summary{Targets: 3, Done: 2, Failed: 1}
	b.Discovery = model.StatusFailed
	b.DiscoveryError = "nmap: exit status 1"
	require.NoError(t, sessions.SaveSession(ctx, b))

	got, err := sessions.GetSession(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Summary.Targets)
	assert.Equal(t, model.StatusFailed, got.Discovery)
	assert.Equal(t, "nmap: exit status 1", got.DiscoveryError)

	latest, err := sessions.LatestSession(ctx, net1)
	require.NoError(t, err)
	assert.Equal(t, "b", latest.ID)

	n, err := sessions.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	all, err := sessions.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, model.SessionSuspended, all[0].State)

	missing, err := sessions.GetSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
