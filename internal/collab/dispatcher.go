package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/service/cadence"
)

// Dispatcher hands due touches to the delivery service and nurture
// recontacts to the generation collaborator.
type Dispatcher struct {
	delivery  *Client
	recontact *Client
}

var _ cadence.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher wires the delivery client and, optionally, a separate
// client for recontact requests. A nil recontact client reuses delivery.
func NewDispatcher(delivery, recontact *Client) *Dispatcher {
	if recontact == nil {
		recontact = delivery
	}
	return &Dispatcher{delivery: delivery, recontact: recontact}
}

type sendRequest struct {
	TouchID     string `json:"touch_id"`
	SequenceID  string `json:"sequence_id"`
	TouchNumber int    `json:"touch_number"`
	To          string `json:"to"`
	Name        string `json:"name,omitempty"`
	OrgDomain   string `json:"org_domain"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

type sendRejection struct {
	Error  string `json:"error"`
	Bounce bool   `json:"bounce"`
}

// Send delivers one touch. Rejections come back as *domain.DeliveryError;
// a 4xx carrying "bounce": true marks the address undeliverable.
func (d *Dispatcher) Send(ctx context.Context, t domain.DueTouch) (string, error) {
	req := sendRequest{
		TouchID: t.ID, SequenceID: t.SequenceID, TouchNumber: t.TouchNumber,
		To: t.ContactEmail, Name: t.ContactName, OrgDomain: t.OrgDomain,
		Subject: t.Subject, Body: t.Body,
	}
	var resp sendResponse
	err := d.delivery.do(ctx, http.MethodPost, "/v1/messages", req, &resp)
	if err != nil {
		return "", deliveryError(err)
	}
	if resp.MessageID == "" {
		return "", &domain.DeliveryError{Reason: "delivery service returned no message id"}
	}
	return resp.MessageID, nil
}

func deliveryError(err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return &domain.DeliveryError{Reason: err.Error()}
	}
	de := &domain.DeliveryError{Reason: fmt.Sprintf("status %d", se.Code)}
	var rej sendRejection
	if json.Unmarshal([]byte(se.Body), &rej) == nil {
		if rej.Error != "" {
			de.Reason = rej.Error
		}
		de.Bounce = rej.Bounce && se.Code >= 400 && se.Code < 500
	}
	return de
}

type recontactRequest struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Domain         string `json:"domain"`
	Note           string `json:"recontact_note,omitempty"`
	DueAt          string `json:"due_at,omitempty"`
}

// Recontact asks the collaborator to prepare fresh touches for a nurture
// organization. It enrolls them back through the API.
func (d *Dispatcher) Recontact(ctx context.Context, org domain.Organization) error {
	req := recontactRequest{OrganizationID: org.ID, Name: org.Name, Domain: org.Domain, Note: org.RecontactNote}
	if org.NextOutreachAt != nil {
		req.DueAt = org.NextOutreachAt.Format("2006-01-02")
	}
	return d.recontact.do(ctx, http.MethodPost, "/v1/recontacts", req, nil)
}
