package probes

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ReverseLookup asks server (host:port) for the PTR name of ip.
func ReverseLookup(ctx context.Context, server, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", err
	}
	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: 2 * time.Second}
	in, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return "", fmt.Errorf("ptr %s: %w", ip, err)
	}
	for _, rr := range in.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", nil
}

// DefaultDNSServer returns the first nameserver from resolv.conf, or the
// gateway-less fallback 1.1.1.1:53.
func DefaultDNSServer() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return "1.1.1.1:53"
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

// LocalAddress returns the first IPv4 address and network of iface.
func LocalAddress(iface string) (net.IP, *net.IPNet, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, nil, fmt.Errorf("interface %s: %w", iface, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, nil, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4, &net.IPNet{IP: ip4.Mask(ipnet.Mask), Mask: ipnet.Mask}, nil
		}
	}
	return nil, nil, fmt.Errorf("interface %s has no IPv4 address", iface)
}
