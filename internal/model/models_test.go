package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineOrder(t *testing.T) {
	next, ok := StageDiscovery.Next()
	require.True(t, ok)
	assert.Equal(t, StageFingerprint, next)

	_, ok = StageHarvest.Next()
	assert.False(t, ok)

	assert.Equal(t, 3, StageExploit.Seq())
	assert.False(t, StageName("bogus").Valid())
}

func TestStatusAdvances(t *testing.T) {
	assert.True(t, StatusSucceeded.Advances())
	assert.True(t, StatusSkipped.Advances())
	assert.False(t, StatusFailed.Advances())
	assert.False(t, StatusTimedOut.Advances())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusTimedOut.Terminal())
}

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", NormalizeMAC(" AA-BB-CC-DD-EE-FF "))
}

func TestTargetMerge(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tg := &Target{MAC: "aa:bb:cc:dd:ee:ff", Hostname: "nas"}

	tg.Merge(Host{IP: "10.0.0.5"}, t0)
	assert.Equal(t, "10.0.0.5", tg.IP)
	assert.Equal(t, "nas", tg.Hostname)
	assert.Equal(t, t0, tg.FirstSeen)

	tg.Merge(Host{IP: "10.0.0.6", Hostname: "nas2"}, t0.Add(time.Hour))
	assert.Equal(t, "10.0.0.6", tg.IP)
	assert.Equal(t, "nas2", tg.Hostname)
	assert.Equal(t, t0, tg.FirstSeen)
	assert.Equal(t, t0.Add(time.Hour), tg.LastSeen)
}

func TestTargetApply(t *testing.T) {
	tg := &Target{Ports: []Port{{Port: 22, Protocol: "tcp", Service: "ssh", Product: "OpenSSH"}}}

	tg.Apply(&Facts{
		OSGuess: "Linux 5.x",
		Ports: []Port{
			{Port: 22, Protocol: "tcp", Version: "8.9"},
			{Port: 445, Protocol: "tcp", Service: "microsoft-ds"},
		},
		Vulns: []VulnRef{{ID: "EDB-1"}, {ID: "EDB-1"}, {ID: "EDB-2"}},
	})

	require.Len(t, tg.Ports, 2)
	assert.Equal(t, Port{Port: 22, Protocol: "tcp", Service: "ssh", Product: "OpenSSH", Version: "8.9"}, tg.Ports[0])
	assert.Equal(t, "Linux 5.x", tg.OSGuess)
	assert.Len(t, tg.Vulns, 2)
	assert.True(t, tg.HasPort(445))
	assert.False(t, tg.HasPort(80))

	tg.Apply(nil)
	assert.Len(t, tg.Ports, 2)
}

func TestFactsEmpty(t *testing.T) {
	var f *Facts
	assert.True(t, f.Empty())
	assert.True(t, (&Facts{}).Empty())
	assert.False(t, (&Facts{OSGuess: "x"}).Empty())
}
