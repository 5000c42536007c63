package domain

import (
	"strings"
	"time"
)

// ReplyClassification enumerates the outcomes of classifying a reply.
type ReplyClassification string

const (
	ReplyInterested  ReplyClassification = "INTERESTED"
	ReplyNurture     ReplyClassification = "NURTURE"
	ReplyNotFit      ReplyClassification = "NOT_FIT"
	ReplyUnsubscribe ReplyClassification = "UNSUBSCRIBE"
)

// ParseReplyClassification validates s against the closed set. Matching is
// case-insensitive because classifiers are free to vary case.
func ParseReplyClassification(s string) (ReplyClassification, error) {
	c := ReplyClassification(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case ReplyInterested, ReplyNurture, ReplyNotFit, ReplyUnsubscribe:
		return c, nil
	}
	return "", invalid("classification", "unknown classification %q", s)
}

// TargetStage returns the stage a reply of this class moves the lead to.
func (c ReplyClassification) TargetStage() Stage {
	switch c {
	case ReplyInterested:
		return StageRepliedInterested
	case ReplyNurture:
		return StageNurture
	case ReplyNotFit:
		return StageClosedLost
	case ReplyUnsubscribe:
		return StageUnsubscribed
	}
	return ""
}

// InboundReply is a reply received from a contact.
type InboundReply struct {
	ID             string              `json:"id" db:"id"`
	OrgID          string              `json:"org_id" db:"org_id"`
	ContactID      string              `json:"contact_id" db:"contact_id"`
	TouchID        *string             `json:"touch_id,omitempty" db:"touch_id"`
	Text           string              `json:"reply_text" db:"reply_text"`
	Classification ReplyClassification `json:"classification" db:"classification"`
	Reasoning      string              `json:"reasoning,omitempty" db:"reasoning"`
	KeyPhrase      string              `json:"key_phrase,omitempty" db:"key_phrase"`
	RecontactAt    *time.Time          `json:"recontact_at,omitempty" db:"recontact_at"`
	RecontactNote  string              `json:"recontact_note,omitempty" db:"recontact_note"`
	ReceivedAt     time.Time           `json:"received_at" db:"received_at"`
}

// Classification is the typed result returned by a reply classifier.
type Classification struct {
	Class         ReplyClassification `json:"classification"`
	Reasoning     string              `json:"reasoning,omitempty"`
	KeyPhrase     string              `json:"key_phrase,omitempty"`
	RecontactAt   *time.Time          `json:"recontact_date,omitempty"`
	RecontactNote string              `json:"recontact_note,omitempty"`
}

// Validate enforces the per-class required fields.
func (c Classification) Validate() error {
	if _, err := ParseReplyClassification(string(c.Class)); err != nil {
		return err
	}
	if c.Class == ReplyNurture && c.RecontactAt == nil {
		return invalid("recontact_date", "required for NURTURE")
	}
	return nil
}

// CallStatus enumerates the terminal outcomes of a call attempt.
type CallStatus string

const (
	CallBooked      CallStatus = "booked"
	CallNoAnswer    CallStatus = "no_answer"
	CallRescheduled CallStatus = "rescheduled"
	CallDeclined    CallStatus = "declined"
	// CallSkipped means no call was placed because permission was not granted.
	CallSkipped CallStatus = "skipped"
)

// ParseCallStatus validates s against the closed set.
func ParseCallStatus(s string) (CallStatus, error) {
	c := CallStatus(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CallBooked, CallNoAnswer, CallRescheduled, CallDeclined, CallSkipped:
		return c, nil
	}
	return "", invalid("call_status", "unknown call status %q", s)
}

// CallRecord is the outcome of one call attempt, or of a skipped one.
type CallRecord struct {
	ID                string     `json:"id" db:"id"`
	OrgID             string     `json:"org_id" db:"org_id"`
	ContactID         string     `json:"contact_id" db:"contact_id"`
	PermissionGranted bool       `json:"permission_granted" db:"permission_granted"`
	ExternalCallID    string     `json:"external_call_id,omitempty" db:"external_call_id"`
	Status            CallStatus `json:"call_status" db:"call_status"`
	Transcript        string     `json:"transcript,omitempty" db:"transcript"`
	AgreedSlot        string     `json:"agreed_slot,omitempty" db:"agreed_slot"`
	Notes             string     `json:"notes,omitempty" db:"notes"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// MeetingStatus enumerates the lifecycle of a Meeting.
type MeetingStatus string

const (
	MeetingConfirmed MeetingStatus = "confirmed"
	MeetingCancelled MeetingStatus = "cancelled"
	MeetingCompleted MeetingStatus = "completed"
	MeetingNoShow    MeetingStatus = "no_show"
)

// ParseMeetingStatus validates s against the closed set.
func ParseMeetingStatus(s string) (MeetingStatus, error) {
	m := MeetingStatus(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case MeetingConfirmed, MeetingCancelled, MeetingCompleted, MeetingNoShow:
		return m, nil
	}
	return "", invalid("meeting_status", "unknown meeting status %q", s)
}

// Meeting is a booked discovery call.
type Meeting struct {
	ID              string        `json:"id" db:"id"`
	OrgID           string        `json:"org_id" db:"org_id"`
	ContactID       string        `json:"contact_id" db:"contact_id"`
	CallRecordID    *string       `json:"call_record_id,omitempty" db:"call_record_id"`
	ExternalEventID string        `json:"external_event_id,omitempty" db:"external_event_id"`
	MeetLink        string        `json:"meet_link,omitempty" db:"meet_link"`
	ScheduledStart  time.Time     `json:"scheduled_start" db:"scheduled_start"`
	ScheduledEnd    time.Time     `json:"scheduled_end" db:"scheduled_end"`
	Timezone        string        `json:"timezone" db:"timezone"`
	Status          MeetingStatus `json:"status" db:"status"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
}

// Validate checks the slot and timezone of a meeting.
func (m Meeting) Validate() error {
	if m.ScheduledStart.IsZero() || m.ScheduledEnd.IsZero() {
		return invalid("slot", "start and end are required")
	}
	if !m.ScheduledEnd.After(m.ScheduledStart) {
		return invalid("slot", "end must be after start")
	}
	if _, err := time.LoadLocation(m.Timezone); err != nil {
		return invalid("timezone", "unknown zone %q", m.Timezone)
	}
	return nil
}

// OrgHistory is the full conversation context of one organization.
type OrgHistory struct {
	Organization Organization   `json:"organization"`
	Replies      []InboundReply `json:"replies"`
	Calls        []CallRecord   `json:"calls"`
	Meetings     []Meeting      `json:"meetings"`
}

// ReplyInput is a classified reply ready to be recorded.
type ReplyInput struct {
	OrgID          string
	ContactID      string
	TouchID        *string
	Text           string
	Classification Classification
	ReceivedAt     time.Time
}

// ReplyResult reports what recording a reply changed.
type ReplyResult struct {
	Reply            InboundReply       `json:"reply"`
	Organization     Organization       `json:"organization"`
	CancelledTouches int                `json:"cancelled_touches"`
	Suppression      *SuppressionResult `json:"suppression,omitempty"`
}

// CallInput is the outcome of a call attempt, or of a call that was not
// placed because permission was not granted.
type CallInput struct {
	OrgID             string
	ContactID         string
	PermissionGranted bool
	ExternalCallID    string
	Status            CallStatus
	Transcript        string
	AgreedSlot        string
	Notes             string
}
