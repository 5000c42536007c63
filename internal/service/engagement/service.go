package engagement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/logger"
)

// Service records replies, calls and meetings.
type Service struct {
	repo       Repository
	classifier Classifier
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClassifier sets the classifier used for replies that arrive without
// a label. The default is KeywordClassifier.
func WithClassifier(c Classifier) Option {
	return func(s *Service) { s.classifier = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.classifier == nil {
		s.classifier = KeywordClassifier{Now: s.now}
	}
	return s
}

// ReplyRequest is an inbound reply addressed by lead reference.
type ReplyRequest struct {
	LeadRef      string  `json:"lead_id"`
	ContactEmail string  `json:"contact_email,omitempty"`
	TouchID      *string `json:"touch_id,omitempty"`
	Text         string  `json:"reply_text"`
	// Classification skips the classifier when set.
	Classification *domain.Classification `json:"classification,omitempty"`
	ReceivedAt     time.Time              `json:"received_at,omitempty"`
}

// RecordReply classifies the reply when needed and applies its effects.
func (s *Service) RecordReply(ctx context.Context, req ReplyRequest) (*domain.ReplyResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &domain.ValidationError{Field: "reply_text", Reason: "empty"}
	}
	lead, err := s.Resolve(ctx, req.LeadRef, req.ContactEmail)
	if err != nil {
		return nil, err
	}
	received := req.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}

	cls := req.Classification
	if cls == nil {
		cls, err = s.classifier.Classify(ctx, ClassifyRequest{
			Text: req.Text, Organization: *lead.Organization, Contact: *lead.Contact,
			ReceivedAt: received.UTC().Format(time.RFC3339),
		})
		if err != nil {
			s.ledgerFailure(ctx, domain.ActionClassify, lead, err)
			return nil, fmt.Errorf("classify reply: %w", err)
		}
	}

	res, err := s.repo.RecordReply(ctx, domain.ReplyInput{
		OrgID: lead.Organization.ID, ContactID: lead.Contact.ID, TouchID: req.TouchID,
		Text: req.Text, Classification: *cls, ReceivedAt: received,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("reply recorded",
		"org_id", lead.Organization.ID, "email", lead.Contact.Email,
		"classification", res.Reply.Classification, "stage", res.Organization.Stage,
		"cancelled_touches", res.CancelledTouches)
	return res, nil
}

func (s *Service) ledgerFailure(ctx context.Context, action domain.LedgerAction, lead *Lead, cause error) {
	_, _, err := s.repo.AppendLedger(ctx, domain.LedgerEntry{
		OrgID: lead.Organization.ID, SubjectID: lead.Contact.ID,
		Action: action, Outcome: domain.OutcomeFailed, Detail: cause.Error(),
	})
	if err != nil {
		logger.Error("ledger append failed", "action", action, "error", err)
	}
}

// RequestCallPermission marks the permission email as sent.
func (s *Service) RequestCallPermission(ctx context.Context, ref string) (*domain.Organization, error) {
	org, err := s.ResolveOrganization(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.repo.Transition(ctx, org.ID, domain.StageRepliedInterested, domain.StageCallPermissionSent)
}

// CallRequest is a call outcome addressed by lead reference.
type CallRequest struct {
	LeadRef           string            `json:"lead_id"`
	ContactEmail      string            `json:"contact_email,omitempty"`
	PermissionGranted bool              `json:"permission_granted"`
	ExternalCallID    string            `json:"external_call_id,omitempty"`
	Status            domain.CallStatus `json:"call_status,omitempty"`
	Transcript        string            `json:"transcript,omitempty"`
	AgreedSlot        string            `json:"agreed_slot,omitempty"`
	Notes             string            `json:"notes,omitempty"`
}

// RecordCall stores a call attempt, or a skipped call when the lead never
// granted permission.
func (s *Service) RecordCall(ctx context.Context, req CallRequest) (*domain.CallRecord, *domain.Organization, error) {
	lead, err := s.Resolve(ctx, req.LeadRef, req.ContactEmail)
	if err != nil {
		return nil, nil, err
	}
	return s.recordCall(ctx, lead, req)
}

func (s *Service) recordCall(ctx context.Context, lead *Lead, req CallRequest) (*domain.CallRecord, *domain.Organization, error) {
	rec, org, err := s.repo.RecordCall(ctx, domain.CallInput{
		OrgID: lead.Organization.ID, ContactID: lead.Contact.ID,
		PermissionGranted: req.PermissionGranted, ExternalCallID: req.ExternalCallID,
		Status: req.Status, Transcript: req.Transcript, AgreedSlot: req.AgreedSlot, Notes: req.Notes,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("call recorded", "org_id", org.ID, "status", rec.Status, "stage", org.Stage)
	return rec, org, nil
}

// MeetingRequest is a booked slot addressed by lead reference.
type MeetingRequest struct {
	LeadRef         string    `json:"lead_id"`
	ContactEmail    string    `json:"contact_email,omitempty"`
	CallRecordID    *string   `json:"call_record_id,omitempty"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	MeetLink        string    `json:"meet_link,omitempty"`
	Start           time.Time `json:"scheduled_start"`
	End             time.Time `json:"scheduled_end"`
	Timezone        string    `json:"timezone"`
}

// RecordMeeting stores the meeting and moves the lead to booked.
func (s *Service) RecordMeeting(ctx context.Context, req MeetingRequest) (*domain.Meeting, *domain.Organization, error) {
	lead, err := s.Resolve(ctx, req.LeadRef, req.ContactEmail)
	if err != nil {
		return nil, nil, err
	}
	return s.recordMeeting(ctx, lead, req)
}

func (s *Service) recordMeeting(ctx context.Context, lead *Lead, req MeetingRequest) (*domain.Meeting, *domain.Organization, error) {
	m, org, err := s.repo.RecordMeeting(ctx, domain.Meeting{
		OrgID: lead.Organization.ID, ContactID: lead.Contact.ID, CallRecordID: req.CallRecordID,
		ExternalEventID: req.ExternalEventID, MeetLink: req.MeetLink,
		ScheduledStart: req.Start, ScheduledEnd: req.End, Timezone: req.Timezone,
		Status: domain.MeetingConfirmed,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("meeting booked", "org_id", org.ID, "meeting_id", m.ID, "start", m.ScheduledStart)
	return m, org, nil
}

// BookRequest combines the call outcome and, when a slot was agreed, the
// meeting into one booking step.
type BookRequest struct {
	LeadRef      string `json:"lead_id"`
	ContactEmail string `json:"contact_email,omitempty"`
	// ContactName and Phone fill blanks on the stored contact.
	ContactName string `json:"contact_name,omitempty"`
	Phone       string `json:"phone,omitempty"`

	Call    CallRequest     `json:"call"`
	Meeting *MeetingRequest `json:"meeting,omitempty"`
}

// BookResult is what a booking step stored.
type BookResult struct {
	Call         *domain.CallRecord   `json:"call"`
	Meeting      *domain.Meeting      `json:"meeting,omitempty"`
	Organization *domain.Organization `json:"organization"`
}

// Book records the call and then the meeting. A meeting is only attempted
// when the call outcome opens a booking path; otherwise the call alone is
// stored and the lead stays where the call left it.
func (s *Service) Book(ctx context.Context, req BookRequest) (*BookResult, error) {
	lead, err := s.Resolve(ctx, req.LeadRef, req.ContactEmail)
	if err != nil {
		return nil, err
	}
	if req.ContactName != "" || req.Phone != "" {
		c, _, err := s.repo.UpsertContact(ctx, lead.Organization.ID, domain.ContactCandidate{
			Email: lead.Contact.Email, Name: req.ContactName, Phone: req.Phone,
		})
		if err != nil {
			return nil, err
		}
		lead.Contact = c
	}

	rec, org, err := s.recordCall(ctx, lead, req.Call)
	if err != nil {
		return nil, err
	}
	res := &BookResult{Call: rec, Organization: org}
	if req.Meeting == nil {
		return res, nil
	}
	switch rec.Status {
	case domain.CallBooked, domain.CallNoAnswer, domain.CallSkipped:
	default:
		return res, nil
	}
	req.Meeting.CallRecordID = &rec.ID
	lead.Organization = org
	m, org, err := s.recordMeeting(ctx, lead, *req.Meeting)
	if err != nil {
		return res, err
	}
	res.Meeting, res.Organization = m, org
	return res, nil
}

// MeetingOutcome sets the final status of a meeting. A completed meeting
// moves the lead to meeting_held.
func (s *Service) MeetingOutcome(ctx context.Context, meetingID string, status domain.MeetingStatus) (*domain.Meeting, *domain.Organization, error) {
	st, err := domain.ParseMeetingStatus(string(status))
	if err != nil {
		return nil, nil, err
	}
	return s.repo.SetMeetingStatus(ctx, meetingID, st)
}

// History returns replies, calls and meetings of the referenced lead.
func (s *Service) History(ctx context.Context, ref string) (*domain.OrgHistory, error) {
	org, err := s.ResolveOrganization(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.repo.OrgHistory(ctx, org.ID)
}
