package collab

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/service/engagement"
)

// Booking places the permission-gated call and reports how it went.
type Booking struct {
	client *Client
}

// NewBooking wraps client.
func NewBooking(client *Client) *Booking {
	return &Booking{client: client}
}

// CallOrder is what the booking provider needs to place one call.
type CallOrder struct {
	OrganizationID string `json:"organization_id"`
	CompanyName    string `json:"company_name"`
	Domain         string `json:"domain"`
	ContactName    string `json:"contact_name,omitempty"`
	ContactEmail   string `json:"contact_email"`
	Phone          string `json:"phone"`
	Timezone       string `json:"timezone,omitempty"`
}

// BookedMeeting is the calendar event created by a booked call.
type BookedMeeting struct {
	ExternalEventID string    `json:"external_event_id"`
	MeetLink        string    `json:"meet_link,omitempty"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Timezone        string    `json:"timezone"`
}

// CallOutcome is the provider's answer.
type CallOutcome struct {
	ExternalCallID string            `json:"external_call_id"`
	Status         domain.CallStatus `json:"call_status"`
	Transcript     string            `json:"transcript,omitempty"`
	AgreedSlot     string            `json:"agreed_slot,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	Meeting        *BookedMeeting    `json:"meeting,omitempty"`
}

// PlaceCall asks the provider to call the contact.
func (b *Booking) PlaceCall(ctx context.Context, order CallOrder) (*CallOutcome, error) {
	var out CallOutcome
	if err := b.client.do(ctx, http.MethodPost, "/v1/calls", order, &out); err != nil {
		return nil, err
	}
	status, err := domain.ParseCallStatus(string(out.Status))
	if err != nil {
		return nil, fmt.Errorf("booking provider: %v: %w", err, domain.ErrExternalFailure)
	}
	out.Status = status
	return &out, nil
}

// Apply copies the outcome into a booking request for the engagement
// service.
func (o *CallOutcome) Apply(req *engagement.BookRequest) {
	req.Call.ExternalCallID = o.ExternalCallID
	req.Call.Status = o.Status
	req.Call.Transcript = o.Transcript
	req.Call.AgreedSlot = o.AgreedSlot
	req.Call.Notes = o.Notes
	if o.Meeting == nil {
		return
	}
	req.Meeting = &engagement.MeetingRequest{
		LeadRef:         req.LeadRef,
		ContactEmail:    req.ContactEmail,
		ExternalEventID: o.Meeting.ExternalEventID,
		MeetLink:        o.Meeting.MeetLink,
		Start:           o.Meeting.Start,
		End:             o.Meeting.End,
		Timezone:        o.Meeting.Timezone,
	}
}
