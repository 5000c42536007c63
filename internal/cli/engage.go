package cli

import (
	"context"

	"github.com/ignite/leadengine/internal/app"
	"github.com/ignite/leadengine/internal/collab"
	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/service/engagement"
	"github.com/ignite/leadengine/internal/service/ledger"
	"github.com/spf13/cobra"
)

type replyFlags struct {
	leadID         string
	text           string
	contactEmail   string
	touchID        string
	classification string
	recontactDate  string
	recontactNote  string
	reasoning      string
	keyPhrase      string
}

func (f replyFlags) request() (engagement.ReplyRequest, error) {
	req := engagement.ReplyRequest{LeadRef: f.leadID, ContactEmail: f.contactEmail, Text: f.text}
	if f.touchID != "" {
		req.TouchID = &f.touchID
	}
	if f.classification == "" {
		if f.recontactDate != "" {
			return req, &domain.ValidationError{Field: "recontact-date", Reason: "requires --classification"}
		}
		return req, nil
	}
	class, err := domain.ParseReplyClassification(f.classification)
	if err != nil {
		return req, err
	}
	c := &domain.Classification{Class: class, Reasoning: f.reasoning, KeyPhrase: f.keyPhrase, RecontactNote: f.recontactNote}
	if f.recontactDate != "" {
		at, err := parseTime("recontact-date", f.recontactDate)
		if err != nil {
			return req, err
		}
		c.RecontactAt = &at
	}
	if err := c.Validate(); err != nil {
		return req, err
	}
	req.Classification = c
	return req, nil
}

func newReplyCmd(o *rootOptions) *cobra.Command {
	var f replyFlags
	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Record an inbound reply and apply its classification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return runLedgered(ctx, cmd, a, "reply", func(ctx context.Context) (*ledger.Result, error) {
					res, err := a.Engagement.RecordReply(ctx, req)
					if err != nil {
						return partialResult(err)
					}
					return &ledger.Result{Summary: res}, nil
				})
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.leadID, "lead-id", "", "organization id or domain")
	fs.StringVar(&f.text, "reply", "", "reply text")
	fs.StringVar(&f.contactEmail, "contact-email", "", "contact who replied")
	fs.StringVar(&f.touchID, "touch-id", "", "touch the reply answers")
	fs.StringVar(&f.classification, "classification", "", "INTERESTED, NURTURE, NOT_FIT or UNSUBSCRIBE; skips the classifier")
	fs.StringVar(&f.recontactDate, "recontact-date", "", "recontact date for NURTURE (YYYY-MM-DD or RFC3339)")
	fs.StringVar(&f.recontactNote, "recontact-note", "", "note for the recontact")
	fs.StringVar(&f.reasoning, "reasoning", "", "why the reply was classified this way")
	fs.StringVar(&f.keyPhrase, "key-phrase", "", "phrase that decided the classification")
	_ = cmd.MarkFlagRequired("lead-id")
	_ = cmd.MarkFlagRequired("reply")
	return cmd
}

type bookFlags struct {
	leadID       string
	contactName  string
	contactEmail string
	company      string
	phone        string
	permission   bool

	callStatus     string
	externalCallID string
	transcript     string
	agreedSlot     string
	notes          string

	slotStart string
	slotEnd   string
	timezone  string
	eventID   string
	meetLink  string
}

func (f bookFlags) request() (engagement.BookRequest, error) {
	req := engagement.BookRequest{
		LeadRef:      f.leadID,
		ContactEmail: f.contactEmail,
		ContactName:  f.contactName,
		Phone:        f.phone,
		Call: engagement.CallRequest{
			LeadRef:           f.leadID,
			ContactEmail:      f.contactEmail,
			PermissionGranted: f.permission,
			ExternalCallID:    f.externalCallID,
			Transcript:        f.transcript,
			AgreedSlot:        f.agreedSlot,
			Notes:             f.notes,
		},
	}
	if f.callStatus != "" {
		st, err := domain.ParseCallStatus(f.callStatus)
		if err != nil {
			return req, err
		}
		req.Call.Status = st
	}
	if f.slotStart == "" {
		return req, nil
	}
	start, err := parseTime("slot-start", f.slotStart)
	if err != nil {
		return req, err
	}
	if f.slotEnd == "" {
		return req, &domain.ValidationError{Field: "slot-end", Reason: "required with --slot-start"}
	}
	end, err := parseTime("slot-end", f.slotEnd)
	if err != nil {
		return req, err
	}
	req.Meeting = &engagement.MeetingRequest{
		LeadRef:         f.leadID,
		ContactEmail:    f.contactEmail,
		ExternalEventID: f.eventID,
		MeetLink:        f.meetLink,
		Start:           start,
		End:             end,
		Timezone:        firstNonEmpty(f.timezone, "UTC"),
	}
	return req, nil
}

// placeCall asks the booking collaborator to call the lead and merges the
// outcome into req.
func (f bookFlags) placeCall(ctx context.Context, a *app.App, req *engagement.BookRequest) (string, error) {
	lead, err := a.Engagement.Resolve(ctx, f.leadID, f.contactEmail)
	if err != nil {
		return "", err
	}
	out, err := a.Booking.PlaceCall(ctx, collab.CallOrder{
		OrganizationID: lead.Organization.ID,
		CompanyName:    firstNonEmpty(f.company, lead.Organization.Name),
		Domain:         lead.Organization.Domain,
		ContactName:    firstNonEmpty(f.contactName, lead.Contact.Name),
		ContactEmail:   lead.Contact.Email,
		Phone:          firstNonEmpty(f.phone, lead.Contact.Phone),
		Timezone:       f.timezone,
	})
	if err != nil {
		return lead.Organization.ID, err
	}
	out.Apply(req)
	return lead.Organization.ID, nil
}

func newBookCmd(o *rootOptions) *cobra.Command {
	var f bookFlags
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Record a call and, when it books, the meeting",
		Long: "Without --permission no call is placed and a skipped call is stored; a slot\n" +
			"given alongside is booked through the fallback link. With --permission and\n" +
			"no --call-status the booking collaborator places the call.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if f.permission && f.callStatus == "" && a.Booking == nil {
					return &domain.ValidationError{Field: "call-status", Reason: "required when no booking collaborator is configured"}
				}
				return runLedgered(ctx, cmd, a, "book", func(ctx context.Context) (*ledger.Result, error) {
					if f.permission && f.callStatus == "" {
						orgID, err := f.placeCall(ctx, a, &req)
						if err != nil {
							return collaboratorFailure(ctx, a, domain.ActionCall, orgID, err)
						}
					}
					res, err := a.Engagement.Book(ctx, req)
					if err != nil {
						return nil, err
					}
					return &ledger.Result{Summary: res}, nil
				})
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.leadID, "lead-id", "", "organization id or domain")
	fs.StringVar(&f.contactName, "contact-name", "", "contact name, fills a blank on the stored contact")
	fs.StringVar(&f.contactEmail, "contact-email", "", "contact to call")
	fs.StringVar(&f.company, "company", "", "company name given to the booking collaborator")
	fs.StringVar(&f.phone, "phone", "", "phone number, fills a blank on the stored contact")
	fs.BoolVar(&f.permission, "permission", false, "the lead agreed to a call")
	fs.StringVar(&f.callStatus, "call-status", "", "booked, no_answer, rescheduled or declined")
	fs.StringVar(&f.externalCallID, "external-call-id", "", "provider call id")
	fs.StringVar(&f.transcript, "transcript", "", "call transcript")
	fs.StringVar(&f.agreedSlot, "agreed-slot", "", "slot agreed on the call")
	fs.StringVar(&f.notes, "notes", "", "call notes")
	fs.StringVar(&f.slotStart, "slot-start", "", "meeting start (RFC3339)")
	fs.StringVar(&f.slotEnd, "slot-end", "", "meeting end (RFC3339)")
	fs.StringVar(&f.timezone, "timezone", "", "meeting timezone")
	fs.StringVar(&f.eventID, "event-id", "", "calendar event id")
	fs.StringVar(&f.meetLink, "meet-link", "", "video link")
	_ = cmd.MarkFlagRequired("lead-id")
	return cmd
}
