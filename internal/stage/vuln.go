package stage

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/user/prowl/internal/model"
)

// VulnLookupFunc returns exploit references for a product query.
type VulnLookupFunc func(ctx context.Context, query string) ([]model.VulnRef, error)

// VulnCorrelate maps service versions to candidate exploit references.
type VulnCorrelate struct {
	Lookup        VulnLookupFunc
	MaxCandidates int
}

// Name implements Executor.
func (v *VulnCorrelate) Name() model.StageName { return model.StageVulnCorrelate }

// Execute implements Executor. No candidates is a success.
func (v *VulnCorrelate) Execute(ctx context.Context, target *model.Target, _ Env) Result {
	payload := &model.VulnPayload{Candidates: []model.VulnRef{}}

	type query struct {
		text string
		port int
	}
	var queries []query
	dup := make(map[string]bool)
	for _, p := range target.Ports {
		q := strings.TrimSpace(p.Product + " " + p.Version)
		if p.Product == "" || dup[q] {
			continue
		}
		dup[q] = true
		queries = append(queries, query{text: q, port: p.Port})
	}

	seen := make(map[string]bool)
	failures := 0
	for _, q := range queries {
		if ctx.Err() != nil {
			return Interrupted(ctx, payload, &model.Facts{Vulns: payload.Candidates})
		}
		payload.Queries = append(payload.Queries, q.text)
		refs, err := v.Lookup(ctx, q.text)
		if err != nil {
			failures++
			log.WithError(err).WithField("query", q.text).Warn("vulnerability lookup failed")
			continue
		}
		for _, r := range refs {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			r.Port = q.port
			payload.Candidates = append(payload.Candidates, r)
			if v.MaxCandidates > 0 && len(payload.Candidates) >= v.MaxCandidates {
				return Succeeded(payload, &model.Facts{Vulns: payload.Candidates})
			}
		}
	}

	if len(queries) > 0 && failures == len(queries) {
		return Failed(payload, "all %d lookups failed", failures)
	}
	return Succeeded(payload, &model.Facts{Vulns: payload.Candidates})
}
