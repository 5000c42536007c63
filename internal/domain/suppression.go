package domain

import "time"

// SuppressionSource indicates where the suppression signal originated.
type SuppressionSource string

const (
	SourceUnsubscribeReply SuppressionSource = "unsubscribe_reply"
	SourceManual           SuppressionSource = "manual"
	SourceBounce           SuppressionSource = "bounce"
)

// Valid reports whether s is one of the defined sources.
func (s SuppressionSource) Valid() bool {
	switch s {
	case SourceUnsubscribeReply, SourceManual, SourceBounce:
		return true
	}
	return false
}

// SuppressionEntry is a permanent compliance block on one email address.
// Entries are never updated or deleted.
type SuppressionEntry struct {
	Email     string            `json:"email" db:"email"`
	Domain    string            `json:"domain,omitempty" db:"domain"`
	Reason    string            `json:"reason" db:"reason"`
	Source    SuppressionSource `json:"source" db:"source"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// SuppressionResult reports the effect of an AddSuppression call.
type SuppressionResult struct {
	Entry            SuppressionEntry `json:"entry"`
	Created          bool             `json:"created"`
	CancelledTouches int              `json:"cancelled_touches"`
}

// SuppressionFilter narrows ListSuppressions.
type SuppressionFilter struct {
	Source SuppressionSource
	Domain string
	Search string
	Limit  int
	Offset int
}
