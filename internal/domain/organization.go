package domain

import (
	"net/url"
	"strings"
	"time"
)

// QualificationThreshold is the minimum ICP score for a qualified lead.
const QualificationThreshold = 60

// ICP dimension ceilings. They sum to 100.
const (
	MaxEventRelevance      = 35
	MaxDigitalAdReadiness  = 25
	MaxContactQuality      = 20
	MaxOrganizationSizeFit = 20
)

// ScoreBreakdown is the per-dimension ICP score of an organization.
type ScoreBreakdown struct {
	EventRelevance      int `json:"event_relevance"`
	DigitalAdReadiness  int `json:"digital_ad_readiness"`
	ContactQuality      int `json:"contact_quality"`
	OrganizationSizeFit int `json:"organization_size_fit"`
}

// Total returns the sum of all dimensions.
func (b ScoreBreakdown) Total() int {
	return b.EventRelevance + b.DigitalAdReadiness + b.ContactQuality + b.OrganizationSizeFit
}

// Qualified reports whether the total reaches the qualification threshold.
func (b ScoreBreakdown) Qualified() bool { return b.Total() >= QualificationThreshold }

// Validate checks each dimension against its ceiling. When total is
// non-nil it must equal the dimension sum.
func (b ScoreBreakdown) Validate(total *int) error {
	dims := []struct {
		name     string
		val, max int
	}{
		{"event_relevance", b.EventRelevance, MaxEventRelevance},
		{"digital_ad_readiness", b.DigitalAdReadiness, MaxDigitalAdReadiness},
		{"contact_quality", b.ContactQuality, MaxContactQuality},
		{"organization_size_fit", b.OrganizationSizeFit, MaxOrganizationSizeFit},
	}
	for _, d := range dims {
		if d.val < 0 || d.val > d.max {
			return invalid("score."+d.name, "%d outside 0..%d", d.val, d.max)
		}
	}
	if total != nil && *total != b.Total() {
		return invalid("score", "total %d does not equal dimension sum %d", *total, b.Total())
	}
	return nil
}

// Organization is the canonical record for one prospect, keyed by domain.
type Organization struct {
	ID                     string          `json:"id" db:"id"`
	Name                   string          `json:"name" db:"name"`
	Domain                 string          `json:"domain" db:"domain"`
	Website                string          `json:"website,omitempty" db:"website"`
	Description            string          `json:"description,omitempty" db:"description"`
	WhyFit                 string          `json:"why_fit,omitempty" db:"why_fit"`
	Score                  *ScoreBreakdown `json:"score,omitempty" db:"-"`
	ScoreTotal             *int            `json:"score_total,omitempty" db:"score_total"`
	Stage                  Stage           `json:"stage" db:"stage"`
	Disqualified           bool            `json:"disqualified" db:"disqualified"`
	DisqualificationReason string          `json:"disqualification_reason,omitempty" db:"disqualification_reason"`
	LastOutreachAt         *time.Time      `json:"last_outreach_at,omitempty" db:"last_outreach_at"`
	NextOutreachAt         *time.Time      `json:"next_outreach_at,omitempty" db:"next_outreach_at"`
	RecontactNote          string          `json:"recontact_note,omitempty" db:"recontact_note"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at" db:"updated_at"`
}

// OrganizationCandidate is an unvalidated organization record supplied by
// the generation collaborator.
type OrganizationCandidate struct {
	Name                   string          `json:"name"`
	Website                string          `json:"website"`
	Domain                 string          `json:"domain,omitempty"`
	Description            string          `json:"description,omitempty"`
	WhyFit                 string          `json:"why_fit,omitempty"`
	Score                  *ScoreBreakdown `json:"score_dimensions,omitempty"`
	ScoreTotal             *int            `json:"score,omitempty"`
	Disqualified           bool            `json:"disqualified,omitempty"`
	DisqualificationReason string          `json:"disqualification_reason,omitempty"`
}

// Normalize validates the candidate and fills Domain with the dedup key.
func (c *OrganizationCandidate) Normalize() error {
	c.Name = strings.TrimSpace(c.Name)
	src := c.Domain
	if src == "" {
		src = c.Website
	}
	d, err := NormalizeDomain(src)
	if err != nil {
		return err
	}
	c.Domain = d
	if c.Name == "" {
		c.Name = d
	}
	if c.Score != nil {
		if err := c.Score.Validate(c.ScoreTotal); err != nil {
			return err
		}
		t := c.Score.Total()
		c.ScoreTotal = &t
	} else if c.ScoreTotal != nil {
		return invalid("score", "total given without dimensions")
	}
	return nil
}

// NormalizeDomain derives the organization dedup key from a URL or bare
// host: scheme stripped, "www." removed, lower-cased, no port or path.
func NormalizeDomain(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", invalid("domain", "empty")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", invalid("domain", "unparseable %q", raw)
	}
	host := u.Hostname()
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" || !strings.Contains(host, ".") || strings.ContainsAny(host, " @") {
		return "", invalid("domain", "no host in %q", raw)
	}
	return host, nil
}

// OrgFilter narrows ListOrganizations.
type OrgFilter struct {
	Stages              []Stage
	IncludeDisqualified bool
	Limit               int
	Offset              int
}
