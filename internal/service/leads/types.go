package leads

import (
	"time"

	"github.com/ignite/leadengine/internal/domain"
)

// Candidate is one organization with the contacts and events found for it.
type Candidate struct {
	Organization domain.OrganizationCandidate `json:"organization"`
	Contacts     []domain.ContactCandidate    `json:"contacts,omitempty"`
	Events       []domain.EventCandidate      `json:"events,omitempty"`
}

// Rejection explains why part of a candidate was not stored.
type Rejection struct {
	Domain string `json:"domain,omitempty"`
	Kind   string `json:"kind"`
	Key    string `json:"key,omitempty"`
	Error  string `json:"error"`
	err    error
}

// Err returns the underlying error.
func (r Rejection) Err() error { return r.err }

// IntakeReport summarizes one batch.
type IntakeReport struct {
	Created       []string              `json:"created,omitempty"`
	Merged        []string              `json:"merged,omitempty"`
	Skipped       []string              `json:"skipped,omitempty"`
	Contacts      int                   `json:"contacts"`
	Events        int                   `json:"events"`
	Qualified     []string              `json:"qualified,omitempty"`
	Rejections    []Rejection           `json:"rejections,omitempty"`
	Organizations []domain.Organization `json:"-"`
}

// KnownKeys are the dedup keys already in the store.
type KnownKeys struct {
	Domains []string `json:"domains"`
	Emails  []string `json:"emails"`
}

// WindowLead is an organization paired with the event that places it in,
// or up for review against, the outreach window.
type WindowLead struct {
	Organization domain.Organization  `json:"organization"`
	Event        domain.Event         `json:"event"`
	Verdict      domain.WindowVerdict `json:"verdict"`
	Opens        *time.Time           `json:"window_opens,omitempty"`
	Closes       *time.Time           `json:"window_closes,omitempty"`
}

// WindowReport lists in-window organizations and those whose event date
// needs a human look.
type WindowReport struct {
	Inside []WindowLead `json:"inside"`
	Review []WindowLead `json:"review"`
}
