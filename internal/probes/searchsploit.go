package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/prowl/internal/model"
)

// Searchsploit queries the local exploit-db copy.
type Searchsploit struct {
	BinaryPath string
	Runner     Runner
}

type searchsploitEntry struct {
	Title    string `json:"Title"`
	EDBID    string `json:"EDB-ID"`
	Path     string `json:"Path"`
	Type     string `json:"Type"`
	Platform string `json:"Platform"`
}

type searchsploitOutput struct {
	Search   string              `json:"SEARCH"`
	Exploits []searchsploitEntry `json:"RESULTS_EXPLOIT"`
}

// Lookup returns exploit references matching query, in exploit-db order.
func (s *Searchsploit) Lookup(ctx context.Context, query string) ([]model.VulnRef, error) {
	runner := s.Runner
	if runner == nil {
		runner = ExecRunner
	}
	bin := s.BinaryPath
	if bin == "" {
		bin = "searchsploit"
	}
	args := append([]string{"--json", "--disable-colour"}, strings.Fields(query)...)
	res := runner.Run(ctx, bin, args...)
	if res.Err != nil && len(res.Stdout) == 0 {
		return nil, res.Err
	}
	return ParseSearchsploit(res.Stdout)
}

// ParseSearchsploit decodes `searchsploit --json` output.
func ParseSearchsploit(data []byte) ([]model.VulnRef, error) {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil, nil
	}
	var out searchsploitOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse searchsploit output: %w", err)
	}
	refs := make([]model.VulnRef, 0, len(out.Exploits))
	for _, e := range out.Exploits {
		if e.EDBID == "" {
			continue
		}
		refs = append(refs, model.VulnRef{
			ID:    "EDB-" + e.EDBID,
			Title: e.Title,
			Path:  e.Path,
		})
	}
	return refs, nil
}
