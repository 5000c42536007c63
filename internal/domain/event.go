package domain

import (
	"strings"
	"time"
)

// Default outreach window, in months before the event.
const (
	DefaultWindowMonthsMin = 4
	DefaultWindowMonthsMax = 12
)

// RecurrencePeriod enumerates how often a recurring event repeats.
type RecurrencePeriod string

const (
	RecurrenceAnnual    RecurrencePeriod = "annual"
	RecurrenceBiannual  RecurrencePeriod = "biannual"
	RecurrenceQuarterly RecurrencePeriod = "quarterly"
)

// Valid reports whether p is empty or one of the defined periods.
func (p RecurrencePeriod) Valid() bool {
	switch p {
	case "", RecurrenceAnnual, RecurrenceBiannual, RecurrenceQuarterly:
		return true
	}
	return false
}

// Event is an organization's conference, summit or trade show.
type Event struct {
	ID                 string           `json:"id" db:"id"`
	OrgID              string           `json:"org_id" db:"org_id"`
	Name               string           `json:"event_name" db:"event_name"`
	Type               string           `json:"event_type,omitempty" db:"event_type"`
	Date               *time.Time       `json:"event_date,omitempty" db:"event_date"`
	DateApproximate    bool             `json:"event_date_approximate" db:"event_date_approximate"`
	DateNotes          string           `json:"event_date_notes,omitempty" db:"event_date_notes"`
	EstimatedAttendees *int             `json:"estimated_attendees,omitempty" db:"estimated_attendees"`
	RegistrationURL    string           `json:"registration_url,omitempty" db:"registration_url"`
	IsRecurring        bool             `json:"is_recurring" db:"is_recurring"`
	RecurrencePeriod   RecurrencePeriod `json:"recurrence_period,omitempty" db:"recurrence_period"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
}

// EventCandidate is an unvalidated event supplied by a collaborator.
type EventCandidate struct {
	Name               string           `json:"event_name"`
	Type               string           `json:"event_type,omitempty"`
	Date               *time.Time       `json:"event_date,omitempty"`
	DateApproximate    bool             `json:"event_date_approximate,omitempty"`
	DateNotes          string           `json:"event_date_notes,omitempty"`
	EstimatedAttendees *int             `json:"estimated_attendees,omitempty"`
	RegistrationURL    string           `json:"registration_url,omitempty"`
	IsRecurring        bool             `json:"is_recurring,omitempty"`
	RecurrencePeriod   RecurrencePeriod `json:"recurrence_period,omitempty"`
}

// Normalize validates the candidate. A missing name falls back to the
// event type, matching how discovery reports unnamed events.
func (c *EventCandidate) Normalize() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = strings.TrimSpace(c.Type)
	}
	if c.Name == "" {
		return invalid("event_name", "empty")
	}
	if !c.RecurrencePeriod.Valid() {
		return invalid("recurrence_period", "unknown period %q", c.RecurrencePeriod)
	}
	if c.RecurrencePeriod != "" {
		c.IsRecurring = true
	}
	if c.EstimatedAttendees != nil && *c.EstimatedAttendees < 0 {
		return invalid("estimated_attendees", "negative")
	}
	if c.Date != nil {
		d := Day(*c.Date)
		c.Date = &d
	}
	return nil
}

// WindowVerdict is the outcome of evaluating an event against the window.
type WindowVerdict string

const (
	WindowInside  WindowVerdict = "inside"
	WindowOutside WindowVerdict = "outside"
	// WindowReview marks an event that cannot be evaluated automatically:
	// no date, or a date flagged as approximate.
	WindowReview WindowVerdict = "review"
)

// OutreachWindow returns the first and last day on which InWindow reports
// the event inside. ok is false when the event has no date.
//
// Month-end clamping makes AddMonths many-to-one: Oct 28 through Oct 31
// plus four months all land on Feb 28. The bounds are therefore walked
// forward from the naive subtraction until they match InWindow exactly.
func (e Event) OutreachWindow(monthsMin, monthsMax int) (opens, closes time.Time, ok bool) {
	if e.Date == nil {
		return time.Time{}, time.Time{}, false
	}
	d := Day(*e.Date)
	opens = AddMonths(d, -monthsMax)
	for AddMonths(opens, monthsMax).Before(d) {
		opens = opens.AddDate(0, 0, 1)
	}
	closes = AddMonths(d, -monthsMin)
	for !AddMonths(closes.AddDate(0, 0, 1), monthsMin).After(d) {
		closes = closes.AddDate(0, 0, 1)
	}
	return opens, closes, true
}

// InWindow evaluates whether now falls in the event's outreach window,
// that is whether the event lies between monthsMin and monthsMax calendar
// months after now (both ends inclusive, day granularity). Undated and
// approximate events are never inside; they come back as WindowReview.
func InWindow(e Event, now time.Time, monthsMin, monthsMax int) WindowVerdict {
	if e.Date == nil || e.DateApproximate {
		return WindowReview
	}
	today := Day(now)
	d := Day(*e.Date)
	earliest := AddMonths(today, monthsMin)
	latest := AddMonths(today, monthsMax)
	if d.Before(earliest) || d.After(latest) {
		return WindowOutside
	}
	return WindowInside
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddMonths adds n calendar months to t, clamping the day to the last day
// of the resulting month (Jan 31 + 1 month = Feb 28/29). time.AddDate
// normalizes overflow into the next month instead.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}
