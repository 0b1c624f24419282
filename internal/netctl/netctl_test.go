package netctl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/prowl/internal/probes"
	"github.com/user/prowl/internal/util"
)

type fakeRadio struct {
	mu    sync.Mutex
	ssid  string
	joins []string
	// joinable SSIDs succeed on nmcli connect
	joinable map[string]bool
}

func (f *fakeRadio) runner() probes.Runner {
	return probes.RunnerFunc(func(_ context.Context, bin string, args ...string) probes.CommandResult {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch bin {
		case "iwgetid":
			if f.ssid == "" {
				return probes.CommandResult{ExitCode: 255, Err: errors.New("exit status 255")}
			}
			return probes.CommandResult{Stdout: []byte(f.ssid + "\n")}
		case "nmcli":
			ssid := args[3]
			f.joins = append(f.joins, ssid)
			if f.joinable[ssid] {
				f.ssid = ssid
				return probes.CommandResult{}
			}
			return probes.CommandResult{ExitCode: 10, Err: errors.New("exit status 10")}
		}
		return probes.CommandResult{ExitCode: -1, Err: errors.New("unexpected " + bin)}
	})
}

func (f *fakeRadio) set(ssid string) {
	f.mu.Lock()
	f.ssid = ssid
	f.mu.Unlock()
}

func TestStepEmitsTransitions(t *testing.T) {
	radio := &fakeRadio{ssid: "lab"}
	c := &Controller{Interface: "wlan0", Runner: radio.runner()}
	out := make(chan Event, 8)
	ctx := context.Background()

	c.step(ctx, out)
	c.step(ctx, out)
	require.Len(t, out, 1)
	ev := <-out
	assert.Equal(t, Connected, ev.Type)
	assert.Equal(t, "lab", ev.NetworkID)

	radio.set("guest")
	c.step(ctx, out)
	require.Len(t, out, 2)
	assert.Equal(t, Event{Type: Disconnected, NetworkID: "lab"}, stripTime(<-out))
	assert.Equal(t, Event{Type: Connected, NetworkID: "guest"}, stripTime(<-out))

	radio.set("")
	c.step(ctx, out)
	require.Len(t, out, 1)
	assert.Equal(t, Disconnected, (<-out).Type)
}

func TestJoinTriesEachNetworkThreeTimes(t *testing.T) {
	radio := &fakeRadio{joinable: map[string]bool{"backup": true}}
	c := &Controller{
		Runner:   radio.runner(),
		Networks: []util.NetworkConfig{{SSID: "primary", Password: "x"}, {SSID: "backup"}},
	}
	out := make(chan Event, 4)

	c.step(context.Background(), out)
	require.Len(t, out, 1)
	assert.Equal(t, "backup", (<-out).NetworkID)
	assert.Equal(t, "primary,primary,primary,backup", strings.Join(radio.joins, ","))
}

func TestConnectivityCheckGatesConnected(t *testing.T) {
	radio := &fakeRadio{ssid: "lab"}
	healthy := false
	c := &Controller{Runner: radio.runner(), Check: func(context.Context) error {
		if !healthy {
			return errors.New("no route")
		}
		return nil
	}}
	out := make(chan Event, 4)

	c.step(context.Background(), out)
	assert.Len(t, out, 0)

	healthy = true
	c.step(context.Background(), out)
	assert.Len(t, out, 1)
}

func TestControllerEventsCloseOnCancel(t *testing.T) {
	radio := &fakeRadio{ssid: "lab"}
	c := &Controller{Runner: radio.runner(), Poll: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	ch := c.Events(ctx)
	ev := <-ch
	assert.Equal(t, Connected, ev.Type)
	cancel()
	for range ch {
	}
}

func TestStaticOnce(t *testing.T) {
	ch := Static{NetworkID: "lab", Once: true}.Events(context.Background())
	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "lab", ev.NetworkID)
	_, ok = <-ch
	assert.False(t, ok)
}

func stripTime(ev Event) Event {
	ev.Time = time.Time{}
	return ev
}
