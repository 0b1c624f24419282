package stage

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/user/prowl/internal/model"
)

// SweepFunc lists live hosts in a scope.
type SweepFunc func(ctx context.Context, scope string) ([]model.Host, error)

// LookupFunc maps an IP address to a name or MAC address.
type LookupFunc func(ctx context.Context, ip string) (string, error)

// Discovery finds live hosts in the session scope.
type Discovery struct {
	Sweep SweepFunc
	// ResolveMAC fills in hosts the sweep saw without a MAC. Optional.
	ResolveMAC LookupFunc
	// ResolveName looks up hostnames for hosts that have none. Optional.
	ResolveName LookupFunc
	// Exclude lists addresses never reported, such as our own.
	Exclude []string
}

// Name implements Executor.
func (d *Discovery) Name() model.StageName { return model.StageDiscovery }

// Execute implements Executor. The target is ignored.
func (d *Discovery) Execute(ctx context.Context, _ *model.Target, env Env) Result {
	payload := &model.DiscoveryPayload{Scope: env.Scope}

	hosts, err := d.Sweep(ctx, env.Scope)
	if err != nil {
		if ctx.Err() != nil {
			return Interrupted(ctx, payload, nil)
		}
		return Failed(payload, "sweep %s: %v", env.Scope, err)
	}

	exclude := make(map[string]bool, len(d.Exclude))
	for _, ip := range d.Exclude {
		exclude[ip] = true
	}

	seen := make(map[string]bool)
	for _, h := range hosts {
		if exclude[h.IP] {
			continue
		}
		if h.MAC == "" && d.ResolveMAC != nil && h.IP != "" {
			if mac, err := d.ResolveMAC(ctx, h.IP); err == nil {
				h.MAC = mac
			}
		}
		h.MAC = model.NormalizeMAC(h.MAC)
		if h.MAC == "" {
			log.WithField("ip", h.IP).Debug("dropping host without MAC")
			continue
		}
		if seen[h.MAC] {
			continue
		}
		seen[h.MAC] = true
		if h.Hostname == "" && d.ResolveName != nil {
			if name, err := d.ResolveName(ctx, h.IP); err == nil {
				h.Hostname = name
			}
		}
		if !env.Known[h.MAC] {
			payload.New++
		}
		payload.Hosts = append(payload.Hosts, h)
	}
	return Succeeded(payload, nil)
}
