package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/prowl/internal/model"
)

func policy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: time.Second, Max: 3 * time.Second}
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: 2 * time.Second, Max: 10 * time.Second}
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(20))
	assert.Equal(t, 2*time.Second, p.Backoff(0))
}

func TestEnqueueMergesByMAC(t *testing.T) {
	q := New(policy())
	n := q.Enqueue([]model.Host{
		{MAC: "AA:00:00:00:00:02", IP: "10.0.0.2"},
		{MAC: "aa:00:00:00:00:01", IP: "10.0.0.1"},
	})
	assert.Equal(t, 2, n)

	n = q.Enqueue([]model.Host{{MAC: "aa-00-00-00-00-02", IP: "10.0.0.22", Hostname: "nas"}})
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, q.Len())

	e, ok := q.Get("aa:00:00:00:00:02")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.22", e.Target.IP)
	assert.Equal(t, "nas", e.Target.Hostname)
	assert.Equal(t, model.StageFingerprint, e.Stage)
	assert.Equal(t, model.StatusPending, e.Status)
}

func TestNextOrdering(t *testing.T) {
	q := New(policy())
	q.Enqueue([]model.Host{{MAC: "aa:00:00:00:00:09"}, {MAC: "aa:00:00:00:00:03"}})
	q.Enqueue([]model.Host{{MAC: "aa:00:00:00:00:01"}})

	var order []string
	for {
		e, ok := q.Next()
		if !ok {
			break
		}
		order = append(order, e.Target.MAC)
	}
	assert.Equal(t, []string{"aa:00:00:00:00:03", "aa:00:00:00:00:09", "aa:00:00:00:00:01"}, order)
}

func TestMarkStageAdvancesToDone(t *testing.T) {
	q := New(policy())
	q.Enqueue([]model.Host{{MAC: "aa:00:00:00:00:01"}})
	mac := "aa:00:00:00:00:01"

	outcomes := map[model.StageName]model.StageStatus{
		model.StageFingerprint:   model.StatusSucceeded,
		model.StageVulnCorrelate: model.StatusSucceeded,
		model.StageExploit:       model.StatusSkipped,
		model.StageHarvest:       model.StatusSucceeded,
	}
	for _, st := range model.Pipeline[1:] {
		require.NoError(t, q.Start(mac, st))
		tr, err := q.MarkStage(mac, st, outcomes[st])
		require.NoError(t, err)
		if st == model.StageHarvest {
			assert.True(t, tr.Done)
		} else {
			next, _ := st.Next()
			assert.Equal(t, next, tr.Stage)
		}
	}
	total, done, parked, pending := q.Counts()
	assert.Equal(t, []int{1, 1, 0, 0}, []int{total, done, parked, pending})
	assert.True(t, q.Exhausted())

	_, err := q.MarkStage(mac, model.StageHarvest, model.StatusSucceeded)
	assert.Error(t, err)
}

func TestMarkStageFailedParks(t *testing.T) {
	q := New(policy())
	q.Enqueue([]model.Host{{MAC: "aa:00:00:00:00:01"}})
	e, ok := q.Next()
	require.True(t, ok)

	require.NoError(t, q.Start(e.Target.MAC, model.StageFingerprint))
	tr, err := q.MarkStage(e.Target.MAC, model.StageFingerprint, model.StatusFailed)
	require.NoError(t, err)
	assert.True(t, tr.Parked)

	q.Release(e.Target.MAC)
	_, ok = q.Next()
	assert.False(t, ok, "parked targets are not handed out")

	got, _ := q.Get(e.Target.MAC)
	assert.True(t, got.Parked)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestTimedOutRetriesThenFails(t *testing.T) {
	q := New(policy())
	mac := "aa:00:00:00:00:01"
	q.Enqueue([]model.Host{{MAC: mac}})

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, q.Start(mac, model.StageFingerprint))
		tr, err := q.MarkStage(mac, model.StageFingerprint, model.StatusTimedOut)
		require.NoError(t, err)
		if attempt < 3 {
			require.True(t, tr.Retry)
			delays = append(delays, tr.Delay)
			continue
		}
		assert.False(t, tr.Retry)
		assert.True(t, tr.Parked)
		assert.Equal(t, model.StatusFailed, tr.Status)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestPreviewDoesNotMutate(t *testing.T) {
	q := New(policy())
	mac := "aa:00:00:00:00:01"
	q.Enqueue([]model.Host{{MAC: mac}})
	require.NoError(t, q.Start(mac, model.StageFingerprint))

	tr, err := q.Preview(mac, model.StageFingerprint, model.StatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, model.StageVulnCorrelate, tr.Stage)

	e, _ := q.Get(mac)
	assert.Equal(t, model.StageFingerprint, e.Stage)
	assert.Equal(t, model.StatusRunning, e.Status)
}

func TestSuspendKeepsAttemptBudget(t *testing.T) {
	q := New(policy())
	mac := "aa:00:00:00:00:01"
	q.Enqueue([]model.Host{{MAC: mac}})
	require.NoError(t, q.Start(mac, model.StageFingerprint))

	q.Suspend(mac)
	e, _ := q.Get(mac)
	assert.Equal(t, model.StatusPending, e.Status)
	assert.Equal(t, 0, e.Attempts)
}

func TestRestoreKeepsCursor(t *testing.T) {
	q := New(policy())
	q.Restore(Entry{Target: model.Target{MAC: "aa:00:00:00:00:05"}, Stage: model.StageExploit, Status: model.StatusPending})
	q.Restore(Entry{Target: model.Target{MAC: "aa:00:00:00:00:01"}, Stage: model.StageHarvest, Status: model.StatusSucceeded, Done: true})
	q.Enqueue([]model.Host{{MAC: "aa:00:00:00:00:05", IP: "10.0.0.5"}})

	e, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, model.StageExploit, e.Stage)
	assert.Equal(t, "10.0.0.5", e.Target.IP)

	_, ok = q.Next()
	assert.False(t, ok)
}
