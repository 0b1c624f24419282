package stage

import (
	"context"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/probes"
)

// ScanFunc fingerprints one address.
type ScanFunc func(ctx context.Context, ip string) (*probes.FingerprintResult, error)

// Fingerprint learns open ports, services and an OS guess.
type Fingerprint struct {
	Scan ScanFunc
}

// NmapScan fingerprints with nmap.
func NmapScan(s *probes.NmapScanner, ports []int, osDetect bool) ScanFunc {
	return func(ctx context.Context, ip string) (*probes.FingerprintResult, error) {
		return s.Fingerprint(ctx, ip, ports, osDetect)
	}
}

// ConnectScan fingerprints with TCP connects and banners.
func ConnectScan(s *probes.PortScanner) ScanFunc {
	return func(ctx context.Context, ip string) (*probes.FingerprintResult, error) {
		ports, err := s.ScanHost(ctx, ip)
		if err != nil && len(ports) == 0 {
			return nil, err
		}
		return &probes.FingerprintResult{Ports: ports, Partial: err != nil}, nil
	}
}

// Name implements Executor.
func (f *Fingerprint) Name() model.StageName { return model.StageFingerprint }

// Execute implements Executor.
func (f *Fingerprint) Execute(ctx context.Context, target *model.Target, _ Env) Result {
	payload := &model.FingerprintPayload{}
	if target.IP == "" {
		return Failed(payload, "target %s has no address", target.MAC)
	}

	res, err := f.Scan(ctx, target.IP)
	if err != nil {
		if ctx.Err() != nil {
			return Interrupted(ctx, payload, nil)
		}
		return Failed(payload, "fingerprint %s: %v", target.IP, err)
	}

	payload.Ports = res.Ports
	payload.OSGuess = res.OSGuess
	payload.Scanned = res.Scanned
	if payload.FactCount() == 0 {
		// a host that answered nothing is unreachable
		return Failed(payload, "no open ports or OS guess for %s", target.IP)
	}
	facts := &model.Facts{Ports: res.Ports, OSGuess: res.OSGuess}

	if res.Partial {
		return Result{Status: model.StatusSucceeded, Partial: true, Payload: payload, Facts: facts}
	}
	return Succeeded(payload, facts)
}
