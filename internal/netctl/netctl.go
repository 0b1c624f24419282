// Package netctl reports when a usable network connection appears or goes
// away.
package netctl

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/user/prowl/internal/probes"
	"github.com/user/prowl/internal/util"
)

// EventType is a connectivity change.
type EventType string

const (
	Connected    EventType = "connected"
	Disconnected EventType = "disconnected"
)

// Event reports a connectivity change for one network.
type Event struct {
	Type      EventType
	NetworkID string
	Time      time.Time
}

// Source produces connectivity events until ctx ends, then closes the
// channel.
type Source interface {
	Events(ctx context.Context) <-chan Event
}

// joinAttempts is how often each configured network is tried per poll.
const joinAttempts = 3

// Controller polls the wireless interface for its current SSID and joins
// configured networks when it has none.
type Controller struct {
	Interface string
	Networks  []util.NetworkConfig
	Poll      time.Duration
	Runner    probes.Runner
	// Check, when set, must pass before a network counts as connected.
	Check func(ctx context.Context) error

	current string
}

// NewController creates a controller from configuration.
func NewController(cfg *util.Config, check func(ctx context.Context) error) *Controller {
	return &Controller{
		Interface: cfg.Interface,
		Networks:  cfg.Networks,
		Poll:      cfg.PollInterval,
		Runner:    probes.ExecRunner,
		Check:     check,
	}
}

// Events implements Source.
func (c *Controller) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 4)
	go func() {
		defer close(out)
		poll := c.Poll
		if poll <= 0 {
			poll = 10 * time.Second
		}
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			c.step(ctx, out)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (c *Controller) step(ctx context.Context, out chan<- Event) {
	ssid := c.connectedNetwork(ctx)
	if ssid == c.current {
		return
	}
	now := time.Now()
	if c.current != "" {
		log.WithField("network", c.current).Info("network lost")
		send(ctx, out, Event{Type: Disconnected, NetworkID: c.current, Time: now})
	}
	c.current = ssid
	if ssid != "" {
		log.WithField("network", ssid).Info("network connected")
		send(ctx, out, Event{Type: Connected, NetworkID: ssid, Time: now})
	}
}

func (c *Controller) connectedNetwork(ctx context.Context) string {
	ssid := c.currentSSID(ctx)
	if ssid == "" && len(c.Networks) > 0 {
		ssid = c.join(ctx)
	}
	if ssid == "" {
		return ""
	}
	if c.Check != nil {
		if err := c.Check(ctx); err != nil {
			log.WithError(err).WithField("network", ssid).Debug("connectivity check failed")
			return ""
		}
	}
	return ssid
}

func (c *Controller) currentSSID(ctx context.Context) string {
	args := []string{"-r"}
	if c.Interface != "" {
		args = append([]string{c.Interface}, args...)
	}
	res := c.Runner.Run(ctx, "iwgetid", args...)
	if res.Err != nil {
		return ""
	}
	return strings.TrimSpace(string(res.Stdout))
}

func (c *Controller) join(ctx context.Context) string {
	for _, n := range c.Networks {
		for attempt := 1; attempt <= joinAttempts; attempt++ {
			if ctx.Err() != nil {
				return ""
			}
			args := []string{"dev", "wifi", "connect", n.SSID}
			if n.Password != "" {
				args = append(args, "password", n.Password)
			}
			if c.Interface != "" {
				args = append(args, "ifname", c.Interface)
			}
			res := c.Runner.Run(ctx, "nmcli", args...)
			if res.Err == nil {
				return n.SSID
			}
			log.WithFields(log.Fields{"network": n.SSID, "attempt": attempt}).
				Debugf("join failed: %v", res.Err)
		}
	}
	return ""
}

func send(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// Static reports a single fixed network as connected.
type Static struct {
	NetworkID string
	// Once closes the channel right after the Connected event instead of
	// waiting for ctx.
	Once bool
}

// Events implements Source.
func (s Static) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 1)
	out <- Event{Type: Connected, NetworkID: s.NetworkID, Time: time.Now()}
	if s.Once {
		close(out)
		return out
	}
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}
