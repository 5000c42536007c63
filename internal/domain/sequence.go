package domain

import "time"

// MaxTouches is the length of a full outreach sequence.
const MaxTouches = 3

// DefaultTouchOffsets are the send days, relative to enrollment, of touches
// 1..3.
var DefaultTouchOffsets = []int{1, 5, 10}

// DefaultMaxTouchFailures is how many non-bounce delivery failures a touch
// may collect before its sequence is cancelled.
const DefaultMaxTouchFailures = 5

// SequenceStatus enumerates the lifecycle of an EmailSequence.
type SequenceStatus string

const (
	SequenceActive    SequenceStatus = "active"
	SequenceCompleted SequenceStatus = "completed"
	SequencePaused    SequenceStatus = "paused"
	SequenceCancelled SequenceStatus = "cancelled"
)

// IsOpen reports whether the sequence still owns pending work.
func (s SequenceStatus) IsOpen() bool { return s == SequenceActive || s == SequencePaused }

// TouchStatus enumerates the states of one EmailTouch.
type TouchStatus string

const (
	TouchScheduled TouchStatus = "scheduled"
	TouchSent      TouchStatus = "sent"
	TouchCancelled TouchStatus = "cancelled"
)

// EmailSequence is one outreach cadence for an (Organization, Contact) pair.
type EmailSequence struct {
	ID                  string         `json:"id" db:"id"`
	OrgID               string         `json:"org_id" db:"org_id"`
	ContactID           string         `json:"contact_id" db:"contact_id"`
	Status              SequenceStatus `json:"status" db:"status"`
	PersonalizationHook string         `json:"personalization_hook,omitempty" db:"personalization_hook"`
	StartedAt           time.Time      `json:"started_at" db:"started_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	Touches             []EmailTouch   `json:"touches,omitempty" db:"-"`
}

// EmailTouch is one scheduled email in a sequence. Subject and body are
// opaque content produced by the generation collaborator.
type EmailTouch struct {
	ID                string      `json:"id" db:"id"`
	SequenceID        string      `json:"sequence_id" db:"sequence_id"`
	TouchNumber       int         `json:"touch_number" db:"touch_number"`
	ScheduledAt       time.Time   `json:"scheduled_at" db:"scheduled_at"`
	SentAt            *time.Time  `json:"sent_at,omitempty" db:"sent_at"`
	Status            TouchStatus `json:"status" db:"status"`
	Subject           string      `json:"subject,omitempty" db:"subject"`
	Body              string      `json:"body,omitempty" db:"body"`
	ExternalMessageID string      `json:"external_message_id,omitempty" db:"external_message_id"`
	FailureCount      int         `json:"failure_count" db:"failure_count"`
	LastFailure       string      `json:"last_failure,omitempty" db:"last_failure"`
}

// TouchContent is the generated copy for one touch.
type TouchContent struct {
	TouchNumber int    `json:"touch_number"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

// DueTouch is a touch selected for sending together with the identities the
// delivery collaborator needs.
type DueTouch struct {
	EmailTouch
	OrgID        string `json:"org_id"`
	OrgDomain    string `json:"org_domain"`
	ContactID    string `json:"contact_id"`
	ContactEmail string `json:"contact_email"`
	ContactName  string `json:"contact_name,omitempty"`
}

// PlanTouches validates content and builds the scheduled touches of a new
// sequence. Touch numbers must be unique and contiguous from 1; scheduled
// dates follow offsets (days after start).
func PlanTouches(content []TouchContent, start time.Time, offsets []int) ([]EmailTouch, error) {
	if len(content) == 0 || len(content) > MaxTouches {
		return nil, invalid("touches", "need 1..%d touches, got %d", MaxTouches, len(content))
	}
	if len(offsets) < len(content) {
		return nil, invalid("touches", "no schedule offset for touch %d", len(offsets)+1)
	}
	byNumber := make(map[int]TouchContent, len(content))
	for _, c := range content {
		if c.TouchNumber < 1 || c.TouchNumber > len(content) {
			return nil, invalid("touch_number", "%d not contiguous from 1", c.TouchNumber)
		}
		if _, dup := byNumber[c.TouchNumber]; dup {
			return nil, invalid("touch_number", "%d duplicated", c.TouchNumber)
		}
		byNumber[c.TouchNumber] = c
	}
	touches := make([]EmailTouch, 0, len(content))
	for n := 1; n <= len(content); n++ {
		c := byNumber[n]
		touches = append(touches, EmailTouch{
			TouchNumber: n,
			ScheduledAt: start.AddDate(0, 0, offsets[n-1]).UTC().Truncate(time.Second),
			Status:      TouchScheduled,
			Subject:     c.Subject,
			Body:        c.Body,
		})
	}
	return touches, nil
}

// EnrollRequest describes a new outreach sequence.
type EnrollRequest struct {
	OrgID     string         `json:"org_id"`
	ContactID string         `json:"contact_id"`
	Content   []TouchContent `json:"touches"`
	Start     time.Time      `json:"start"`
	// Offsets are the send days of touches 1..n after Start. Nil selects
	// DefaultTouchOffsets.
	Offsets []int  `json:"offsets,omitempty"`
	Hook    string `json:"personalization_hook,omitempty"`
}
