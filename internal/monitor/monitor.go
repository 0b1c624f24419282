// Package monitor checks that a joined network actually carries traffic.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// DefaultProbeName is resolved when no name is given.
const DefaultProbeName = "google.com."

// MeasureUDP resolves name through resolver (host:port) over UDP and
// returns the round trip and the first A record.
func MeasureUDP(ctx context.Context, resolver, name string) (time.Duration, string, error) {
	if name == "" {
		name = DefaultProbeName
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.RecursionDesired = true

	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	in, rtt, err := c.ExchangeContext(ctx, m, resolver)
	if err != nil {
		return 0, "", err
	}
	if in.Rcode != dns.RcodeSuccess {
		return rtt, "", fmt.Errorf("resolver %s: %s", resolver, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			return rtt, a.A.String(), nil
		}
	}
	return rtt, "", nil
}

// Checker reports whether the current network is usable.
type Checker struct {
	Resolver string
	Name     string
	Retries  int
}

// Check returns nil once a lookup succeeds within the retry budget.
func (c *Checker) Check(ctx context.Context) error {
	retries := c.Retries
	if retries < 1 {
		retries = 2
	}
	var last error
	for i := 0; i < retries; i++ {
		_, _, err := MeasureUDP(ctx, c.Resolver, c.Name)
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("connectivity check via %s failed: %w", c.Resolver, last)
}
