package cadence

import (
	"time"

	"github.com/ignite/leadengine/internal/domain"
)

// ActionKind names a due action.
type ActionKind string

const (
	ActionRecontact ActionKind = "recontact"
	ActionSendTouch ActionKind = "send_touch"
)

// DueAction is one unit of work picked by Plan.
type DueAction struct {
	Kind  ActionKind           `json:"kind"`
	OrgID string               `json:"org_id"`
	Org   *domain.Organization `json:"organization,omitempty"`
	Touch *domain.DueTouch     `json:"touch,omitempty"`
}

// RecontactKey is the ledger key that makes a recontact fire once per
// recontact date.
func RecontactKey(orgID string, at time.Time) string {
	return "recontact:" + orgID + ":" + at.UTC().Format("2006-01-02")
}

// merge puts recontacts first and drops touches of organizations that
// have a recontact due, since re-enrollment replaces their sequence.
func merge(nurture []domain.Organization, touches []domain.DueTouch) []DueAction {
	out := make([]DueAction, 0, len(nurture)+len(touches))
	recontact := make(map[string]bool, len(nurture))
	for i := range nurture {
		o := nurture[i]
		recontact[o.ID] = true
		out = append(out, DueAction{Kind: ActionRecontact, OrgID: o.ID, Org: &o})
	}
	for i := range touches {
		t := touches[i]
		if recontact[t.OrgID] {
			continue
		}
		out = append(out, DueAction{Kind: ActionSendTouch, OrgID: t.OrgID, Touch: &t})
	}
	return out
}
