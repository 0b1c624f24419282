// Package model defines core data structures for prowl.
package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Port is an open service on a target.
type Port struct {
	Port     int    `json:"port" yaml:"port"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Service  string `json:"service,omitempty" yaml:"service,omitempty"`
	Product  string `json:"product,omitempty" yaml:"product,omitempty"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Banner   string `json:"banner,omitempty" yaml:"banner,omitempty"`
}

// Key identifies a port independent of its service details.
func (p Port) Key() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return proto + "/" + strconv.Itoa(p.Port)
}

// VulnRef is a candidate exploit reference produced by VulnCorrelate.
type VulnRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Path  string `json:"path,omitempty"`
	Port  int    `json:"port,omitempty"`
}

// Host is a raw discovery hit before it becomes a Target.
type Host struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
}

// Target is a discovered host, keyed by MAC address.
type Target struct {
	MAC       string    `json:"mac"`
	IP        string    `json:"ip"`
	Hostname  string    `json:"hostname,omitempty"`
	Vendor    string    `json:"vendor,omitempty"`
	OSGuess   string    `json:"os_guess,omitempty"`
	Ports     []Port    `json:"ports,omitempty"`
	Vulns     []VulnRef `json:"vulns,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Facts are target attributes learned by a stage, merged into the Target.
type Facts struct {
	Hostname string    `json:"hostname,omitempty"`
	OSGuess  string    `json:"os_guess,omitempty"`
	Ports    []Port    `json:"ports,omitempty"`
	Vulns    []VulnRef `json:"vulns,omitempty"`
}

// Empty reports whether no facts were learned.
func (f *Facts) Empty() bool {
	return f == nil || (f.Hostname == "" && f.OSGuess == "" && len(f.Ports) == 0 && len(f.Vulns) == 0)
}

// NormalizeMAC lowercases a MAC address and uses colon separators.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
}

// Merge folds a fresh discovery hit into the target. Non-empty values win.
func (t *Target) Merge(h Host, seen time.Time) {
	if h.IP != "" {
		t.IP = h.IP
	}
	if h.Hostname != "" {
		t.Hostname = h.Hostname
	}
	if h.Vendor != "" {
		t.Vendor = h.Vendor
	}
	if t.FirstSeen.IsZero() {
		t.FirstSeen = seen
	}
	if seen.After(t.LastSeen) {
		t.LastSeen = seen
	}
}

// Apply merges stage facts into the target. Ports are unioned by protocol and
// number, vulnerability references by ID, keeping first-seen order.
func (t *Target) Apply(f *Facts) {
	if f == nil {
		return
	}
	if f.Hostname != "" {
		t.Hostname = f.Hostname
	}
	if f.OSGuess != "" {
		t.OSGuess = f.OSGuess
	}
	for _, p := range f.Ports {
		replaced := false
		for i := range t.Ports {
			if t.Ports[i].Key() != p.Key() {
				continue
			}
			replaced = true
			old := t.Ports[i]
			if p.Service == "" {
				p.Service = old.Service
			}
			if p.Product == "" {
				p.Product = old.Product
			}
			if p.Version == "" {
				p.Version = old.Version
			}
			if p.Banner == "" {
				p.Banner = old.Banner
			}
			t.Ports[i] = p
			break
		}
		if !replaced {
			t.Ports = append(t.Ports, p)
		}
	}
	for _, v := range f.Vulns {
		dup := false
		for _, have := range t.Vulns {
			if have.ID == v.ID {
				dup = true
				break
			}
		}
		if !dup {
			t.Vulns = append(t.Vulns, v)
		}
	}
}

// HasPort reports whether the target has the given TCP port open.
func (t *Target) HasPort(port int) bool {
	for _, p := range t.Ports {
		if p.Port == port && (p.Protocol == "" || p.Protocol == "tcp") {
			return true
		}
	}
	return false
}

// StageRecord is the persisted outcome of one stage for one target.
type StageRecord struct {
	NetworkID  string          `json:"network_id"`
	TargetMAC  string          `json:"target_mac"`
	Stage      StageName       `json:"stage"`
	Status     StageStatus     `json:"status"`
	Attempts   int             `json:"attempts"`
	Partial    bool            `json:"partial,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
}

// Credential is a username/password pair used by Harvest.
type Credential struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// TargetState is a target together with its stage records, as rehydrated
// from the store.
type TargetState struct {
	Target  Target                    `json:"target"`
	Records map[StageName]StageRecord `json:"records"`
}

// SessionInfo is the persisted view of a Session.
type SessionInfo struct {
	ID        string       `json:"id"`
	NetworkID string       `json:"network_id"`
	Scope     string       `json:"scope"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitempty"`
	Summary   Summary      `json:"summary"`
	Error     string       `json:"error,omitempty"`
	// Discovery is the outcome of the session's host sweep.
	Discovery      StageStatus `json:"discovery,omitempty"`
	DiscoveryError string      `json:"discovery_error,omitempty"`
}

// Summary counts target outcomes and findings for a Session.
type Summary struct {
	Targets   int `json:"targets"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Vulns     int `json:"vulns"`
	Exploited int `json:"exploited"`
	Files     int `json:"files"`
}

// DaemonStatus represents the current state of the daemon.
type DaemonStatus struct {
	Running   bool         `json:"running"`
	PID       int          `json:"pid"`
	StartTime time.Time    `json:"start_time"`
	Uptime    string       `json:"uptime"`
	Network   string       `json:"network,omitempty"`
	Session   *SessionInfo `json:"session,omitempty"`
	Jobs      []JobStatus  `json:"jobs,omitempty"`
}

// JobStatus represents the status of a background job.
type JobStatus struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	LastRun    time.Time     `json:"last_run"`
	NextRun    time.Time     `json:"next_run"`
	LastResult string        `json:"last_result"`
	ErrorCount int           `json:"error_count"`
	Running    bool          `json:"running"`
}
