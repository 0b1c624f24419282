package probes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	nmap "github.com/Ullaakut/nmap/v3"
	log "github.com/sirupsen/logrus"

	"github.com/user/prowl/internal/model"
)

// NmapScanner wraps the nmap binary for discovery and fingerprinting.
type NmapScanner struct {
	BinaryPath   string
	Interface    string
	VersionLight bool
}

// FingerprintResult is what nmap learned about one host. Partial is set
// when the context ended before every phase completed.
type FingerprintResult struct {
	Ports   []model.Port
	OSGuess string
	Scanned int
	Partial bool
}

func (s *NmapScanner) baseOptions(targets ...string) []nmap.Option {
	opts := []nmap.Option{
		nmap.WithTargets(targets...),
		nmap.WithDisabledDNSResolution(),
	}
	if s.BinaryPath != "" {
		opts = append(opts, nmap.WithBinaryPath(s.BinaryPath))
	}
	if s.Interface != "" {
		opts = append(opts, nmap.WithInterface(s.Interface))
	}
	return opts
}

func (s *NmapScanner) run(ctx context.Context, opts ...nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create nmap scanner: %w", err)
	}
	result, warnings, err := scanner.Run()
	if warnings != nil && len(*warnings) > 0 {
		log.WithField("warnings", *warnings).Debug("nmap produced warnings")
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("run nmap: %w", err)
	}
	return result, nil
}

// Discover runs an ARP/ping sweep (-sn) over scope and returns live hosts.
// Hosts nmap could not resolve a MAC for are returned with an empty MAC.
func (s *NmapScanner) Discover(ctx context.Context, scope string) ([]model.Host, error) {
	opts := append(s.baseOptions(scope), nmap.WithPingScan())
	result, err := s.run(ctx, opts...)
	if err != nil {
		return nil, err
	}

	var hosts []model.Host
	for _, h := range result.Hosts {
		if !strings.EqualFold(h.Status.State, "up") {
			continue
		}
		host := model.Host{}
		for _, a := range h.Addresses {
			switch a.AddrType {
			case "ipv4":
				host.IP = a.Addr
			case "mac":
				host.MAC = model.NormalizeMAC(a.Addr)
				host.Vendor = a.Vendor
			}
		}
		if len(h.Hostnames) > 0 {
			host.Hostname = h.Hostnames[0].Name
		}
		if host.IP == "" {
			continue
		}
		hosts = append(hosts, host)
	}
	log.WithFields(log.Fields{"scope": scope, "hosts": len(hosts)}).Info("nmap discovery complete")
	return hosts, nil
}

// Fingerprint finds open ports on ip, then probes service versions one port
// at a time and finally guesses the OS. Whatever finished before ctx ended
// is returned; an error is returned only when nothing was learned.
func (s *NmapScanner) Fingerprint(ctx context.Context, ip string, ports []int, osDetect bool) (*FingerprintResult, error) {
	opts := append(s.baseOptions(ip), nmap.WithSkipHostDiscovery(), nmap.WithOpenOnly())
	if len(ports) > 0 {
		opts = append(opts, nmap.WithPorts(joinPorts(ports)))
	}
	result, err := s.run(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res := &FingerprintResult{}
	open := openPorts(result)
	res.Ports = open
	res.Scanned = len(ports)

	for i, p := range open {
		if ctx.Err() != nil {
			res.Partial = true
			return res, nil
		}
		vopts := append(s.baseOptions(ip), nmap.WithSkipHostDiscovery(), nmap.WithServiceInfo(),
			nmap.WithPorts(strconv.Itoa(p.Port)))
		if s.VersionLight {
			vopts = append(vopts, nmap.WithVersionLight())
		}
		vr, err := s.run(ctx, vopts...)
		if err != nil {
			if ctx.Err() != nil {
				res.Partial = true
				return res, nil
			}
			log.WithError(err).WithField("port", p.Port).Debug("version probe failed")
			continue
		}
		for _, vp := range openPorts(vr) {
			if vp.Port == p.Port {
				res.Ports[i] = vp
			}
		}
	}

	if osDetect && ctx.Err() == nil && len(open) > 0 {
		oopts := append(s.baseOptions(ip), nmap.WithSkipHostDiscovery(), nmap.WithOSDetection(),
			nmap.WithPorts(strconv.Itoa(open[0].Port)))
		or, err := s.run(ctx, oopts...)
		switch {
		case err == nil:
			res.OSGuess = bestOSMatch(or)
		case ctx.Err() != nil:
			res.Partial = true
		default:
			log.WithError(err).Debug("os detection failed")
		}
	}
	return res, nil
}

func openPorts(run *nmap.Run) []model.Port {
	var out []model.Port
	for _, h := range run.Hosts {
		for _, p := range h.Ports {
			if !strings.HasPrefix(strings.ToLower(p.State.State), "open") {
				continue
			}
			out = append(out, model.Port{
				Port:     int(p.ID),
				Protocol: p.Protocol,
				Service:  p.Service.Name,
				Product:  p.Service.Product,
				Version:  p.Service.Version,
			})
		}
	}
	return out
}

func bestOSMatch(run *nmap.Run) string {
	best, acc := "", -1
	for _, h := range run.Hosts {
		for _, m := range h.OS.Matches {
			if m.Accuracy > acc {
				best, acc = m.Name, m.Accuracy
			}
		}
	}
	return best
}

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
