package daemon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/user/prowl/internal/harvest"
	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/probes"
	"github.com/user/prowl/internal/stage"
	"github.com/user/prowl/internal/util"
)

// Executors builds the stage executors described by cfg. Disabled stages
// are still built; the orchestrator decides whether to run them.
func Executors(cfg *util.Config) []stage.Executor {
	s := cfg.Stages
	return []stage.Executor{
		discovery(cfg),
		fingerprint(cfg),
		&stage.VulnCorrelate{
			Lookup:        (&probes.Searchsploit{BinaryPath: s.VulnCorrelate.SearchsploitPath}).Lookup,
			MaxCandidates: s.VulnCorrelate.MaxCandidates,
		},
		&stage.Exploit{
			Command:    s.Exploit.Command,
			AttemptAll: s.Exploit.AttemptAll,
			PerAttempt: s.Exploit.PerAttemptTimeout,
		},
		&stage.Harvest{Harvester: Harvester(cfg)},
	}
}

func discovery(cfg *util.Config) *stage.Discovery {
	dc := cfg.Stages.Discovery
	d := &stage.Discovery{}

	switch dc.Method {
	case "arp":
		arp := &probes.ARPSweeper{Interface: cfg.Interface, Wait: 2 * time.Second}
		d.Sweep = arp.Sweep
		d.ResolveMAC = arp.Resolve
	default:
		nm := &probes.NmapScanner{BinaryPath: dc.NmapPath, Interface: cfg.Interface}
		d.Sweep = nm.Discover
		if cfg.Interface != "" {
			arp := &probes.ARPSweeper{Interface: cfg.Interface}
			d.ResolveMAC = arp.Resolve
		}
	}
	if cfg.ExcludeSelf && cfg.Interface != "" {
		d.Sweep = excludeLocal(cfg.Interface, d.Sweep)
	}
	if dc.ResolveHostnames {
		server := dc.DNSServer
		if server == "" {
			server = probes.DefaultDNSServer()
		}
		d.ResolveName = func(ctx context.Context, ip string) (string, error) {
			return probes.ReverseLookup(ctx, server, ip)
		}
	}
	return d
}

// excludeLocal drops our own address from sweep results. The address is
// looked up per sweep since it changes with every network joined.
func excludeLocal(iface string, sweep stage.SweepFunc) stage.SweepFunc {
	return func(ctx context.Context, scope string) ([]model.Host, error) {
		hosts, err := sweep(ctx, scope)
		ip, _, lerr := probes.LocalAddress(iface)
		if lerr != nil {
			return hosts, err
		}
		out := hosts[:0]
		for _, h := range hosts {
			if h.IP != ip.String() {
				out = append(out, h)
			}
		}
		return out, err
	}
}

func fingerprint(cfg *util.Config) *stage.Fingerprint {
	fc := cfg.Stages.Fingerprint
	if fc.Method == "connect" {
		return &stage.Fingerprint{Scan: stage.ConnectScan(probes.NewPortScanner(64, 2*time.Second, fc.Ports))}
	}
	nm := &probes.NmapScanner{
		BinaryPath:   cfg.Stages.Discovery.NmapPath,
		Interface:    cfg.Interface,
		VersionLight: fc.VersionLight,
	}
	return &stage.Fingerprint{Scan: stage.NmapScan(nm, fc.Ports, fc.OSDetection)}
}

// Harvester builds the file harvester with transports in configured order.
func Harvester(cfg *util.Config) *harvest.Harvester {
	hc := cfg.Stages.Harvest
	timeout := 10 * time.Second

	var transports []harvest.Transport
	for _, p := range hc.Protocols {
		switch p {
		case "ssh":
			transports = append(transports, &harvest.SSHTransport{Timeout: timeout})
		case "ftp":
			transports = append(transports, &harvest.FTPTransport{Timeout: timeout})
		case "smb":
			transports = append(transports, &harvest.SMBTransport{Timeout: timeout, Shares: hc.SMBShares})
		}
	}
	return harvest.New(harvest.Config{
		Directories: hc.Directories,
		Extensions:  hc.Extensions,
		MaxBytes:    hc.MaxBytes,
		MaxFiles:    hc.MaxFiles,
		OutputDir:   hc.OutputDir,
	}, transports...)
}

// ScopeResolver derives the scan scope from the interface's own network.
func ScopeResolver(iface string) func(networkID string) (string, error) {
	return func(networkID string) (string, error) {
		_, ipnet, err := probes.LocalAddress(iface)
		if err != nil {
			return "", &util.ConfigError{Field: "scope", Reason: fmt.Sprintf("cannot derive scope for %s: %v", networkID, err)}
		}
		return maskScope(ipnet), nil
	}
}

func maskScope(ipnet *net.IPNet) string {
	return (&net.IPNet{IP: ipnet.IP.Mask(ipnet.Mask), Mask: ipnet.Mask}).String()
}
