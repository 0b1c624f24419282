package model

// Stage payloads are serialized into StageRecord.Payload. Each reports how
// many facts it carries so the runner can tell partial results from empty ones.

// DiscoveryPayload lists the hosts found by a discovery sweep.
type DiscoveryPayload struct {
	Scope  string `json:"scope"`
	Method string `json:"method"`
	Hosts  []Host `json:"hosts"`
	New    int    `json:"new"`
}

// FactCount implements stage payload accounting.
func (p *DiscoveryPayload) FactCount() int { return len(p.Hosts) }

// FingerprintPayload holds the services and OS guess for one target.
type FingerprintPayload struct {
	Ports   []Port `json:"ports"`
	OSGuess string `json:"os_guess,omitempty"`
	Scanned int    `json:"scanned"`
}

// FactCount implements stage payload accounting.
func (p *FingerprintPayload) FactCount() int {
	n := len(p.Ports)
	if p.OSGuess != "" {
		n++
	}
	return n
}

// VulnPayload holds candidate exploit references ranked by lookup order.
type VulnPayload struct {
	Candidates []VulnRef `json:"candidates"`
	Queries    []string  `json:"queries,omitempty"`
}

// FactCount implements stage payload accounting.
func (p *VulnPayload) FactCount() int { return len(p.Candidates) }

// ExploitAttempt records one exploit run against a target.
type ExploitAttempt struct {
	Ref      VulnRef     `json:"ref"`
	Status   StageStatus `json:"status"`
	ExitCode int         `json:"exit_code"`
	Output   string      `json:"output,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// ExploitPayload records every attempt in order.
type ExploitPayload struct {
	Attempts    []ExploitAttempt `json:"attempts"`
	Compromised bool             `json:"compromised"`
}

// FactCount implements stage payload accounting.
func (p *ExploitPayload) FactCount() int {
	n := 0
	for _, a := range p.Attempts {
		if a.Status != StatusSkipped {
			n++
		}
	}
	return n
}

// HarvestedFile is one file retrieved from a target.
type HarvestedFile struct {
	Remote string `json:"remote"`
	Local  string `json:"local"`
	Size   int64  `json:"size"`
}

// HarvestPayload records what was retrieved and how.
type HarvestPayload struct {
	Protocol      string          `json:"protocol,omitempty"`
	Username      string          `json:"username,omitempty"`
	Files         []HarvestedFile `json:"files"`
	Bytes         int64           `json:"bytes"`
	BudgetReached bool            `json:"budget_reached,omitempty"`
	Tried         []string        `json:"tried,omitempty"`
}

// FactCount implements stage payload accounting. An authenticated session
// counts as a fact even when no files matched.
func (p *HarvestPayload) FactCount() int {
	n := len(p.Files)
	if p.Protocol != "" {
		n++
	}
	return n
}
