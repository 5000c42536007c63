package collab

import (
	"context"
	"net/http"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/service/leads"
)

// Discovery asks the discovery source for new candidate organizations.
type Discovery struct {
	client *Client
}

// NewDiscovery wraps client.
func NewDiscovery(client *Client) *Discovery {
	return &Discovery{client: client}
}

type discoverRequest struct {
	Limit          int      `json:"limit"`
	ExcludeDomains []string `json:"exclude_domains"`
	ExcludeEmails  []string `json:"exclude_emails"`
}

type discoverResponse struct {
	Candidates []leads.Candidate `json:"candidates"`
}

// Discover returns up to limit candidates. The known keys are sent so the
// source can skip them; any it returns anyway are dropped here.
func (d *Discovery) Discover(ctx context.Context, limit int, known leads.KnownKeys) ([]leads.Candidate, error) {
	req := discoverRequest{Limit: limit, ExcludeDomains: known.Domains, ExcludeEmails: known.Emails}
	if req.ExcludeDomains == nil {
		req.ExcludeDomains = []string{}
	}
	if req.ExcludeEmails == nil {
		req.ExcludeEmails = []string{}
	}

	var resp discoverResponse
	if err := d.client.do(ctx, http.MethodPost, "/v1/discover", req, &resp); err != nil {
		return nil, err
	}

	skip := make(map[string]bool, len(known.Domains))
	for _, k := range known.Domains {
		skip[k] = true
	}
	out := make([]leads.Candidate, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		key := c.Organization.Domain
		if key == "" {
			key = c.Organization.Website
		}
		if norm, err := domain.NormalizeDomain(key); err == nil && skip[norm] {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
