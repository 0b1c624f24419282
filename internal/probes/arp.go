package probes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/mdlayher/arp"

	"github.com/user/prowl/internal/model"
)

// ARPSweeper discovers hosts on the local segment by broadcasting ARP
// requests. It needs raw socket privileges.
type ARPSweeper struct {
	Interface string
	// Wait is how long replies are collected after the last request.
	Wait time.Duration
}

// Sweep sends an ARP request for every address in scope and collects the
// replies until Wait elapses or ctx ends.
func (a *ARPSweeper) Sweep(ctx context.Context, scope string) ([]model.Host, error) {
	ips, err := expandCIDR(scope)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}
	_, ipnet, _ := net.ParseCIDR(scope)

	c, err := a.dial()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	for _, s := range ips {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Is4() {
			continue
		}
		if err := c.Request(addr); err != nil {
			return nil, fmt.Errorf("arp request %s: %w", s, err)
		}
	}

	wait := a.Wait
	if wait <= 0 {
		wait = 3 * time.Second
	}
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var hosts []model.Host
	for {
		pkt, _, err := c.Read()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				break
			}
			return hosts, fmt.Errorf("arp read: %w", err)
		}
		if pkt.Operation != arp.OperationReply {
			continue
		}
		ip := net.IP(pkt.SenderIP.AsSlice())
		if !ipnet.Contains(ip) {
			continue
		}
		mac := model.NormalizeMAC(pkt.SenderHardwareAddr.String())
		if seen[mac] {
			continue
		}
		seen[mac] = true
		hosts = append(hosts, model.Host{MAC: mac, IP: ip.String()})
	}
	return hosts, nil
}

// Resolve looks up the MAC address of a single IPv4 address.
func (a *ARPSweeper) Resolve(ctx context.Context, ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", err
	}
	c, err := a.dial()
	if err != nil {
		return "", err
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		return "", err
	}
	hw, err := c.Resolve(addr)
	if err != nil {
		return "", fmt.Errorf("arp resolve %s: %w", ip, err)
	}
	return model.NormalizeMAC(hw.String()), nil
}

func (a *ARPSweeper) dial() (*arp.Client, error) {
	ifi, err := net.InterfaceByName(a.Interface)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", a.Interface, err)
	}
	c, err := arp.Dial(ifi)
	if err != nil {
		return nil, fmt.Errorf("arp dial %s: %w", a.Interface, err)
	}
	return c, nil
}

// expandCIDR expands a CIDR to a list of IP addresses.
func expandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var ips []string
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); incIP(ip) {
		ips = append(ips, ip.String())
	}

	// Remove network and broadcast addresses
	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}

	return ips, nil
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
