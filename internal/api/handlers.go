package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/httputil"
	"github.com/ignite/leadengine/internal/service/cadence"
	"github.com/ignite/leadengine/internal/service/engagement"
	"github.com/ignite/leadengine/internal/service/leads"
	"github.com/ignite/leadengine/internal/service/ledger"
	"github.com/ignite/leadengine/internal/service/pipeline"
	"github.com/ignite/leadengine/internal/service/suppression"
)

// Services are the engine operations exposed over HTTP.
type Services struct {
	Leads       *leads.Service
	Pipeline    *pipeline.Service
	Cadence     *cadence.Service
	Suppression *suppression.Service
	Engagement  *engagement.Service
	Ledger      *ledger.Service
}

// Handlers contains the HTTP handlers.
type Handlers struct {
	svc    Services
	health *HealthChecker
	now    func() time.Time
}

// NewHandlers creates handlers over svc. health may be nil.
func NewHandlers(svc Services, health *HealthChecker) *Handlers {
	return &Handlers{svc: svc, health: health, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the clock used for "now" defaults.
func (h *Handlers) SetClock(now func() time.Time) { h.now = now }

// queryTime reads an RFC 3339 query parameter, defaulting to now.
func (h *Handlers) queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return h.now(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: name, Reason: "want RFC 3339 time"}
	}
	return t.UTC(), nil
}

// GetKnownDomains lists stored organization domains.
//
//	GET /v1/known/domains
func (h *Handlers) GetKnownDomains(w http.ResponseWriter, r *http.Request) {
	known, err := h.svc.Leads.Known(r.Context())
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"domains": known.Domains, "count": len(known.Domains)})
}

// GetKnownEmails lists stored contact emails.
//
//	GET /v1/known/emails
func (h *Handlers) GetKnownEmails(w http.ResponseWriter, r *http.Request) {
	known, err := h.svc.Leads.Known(r.Context())
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"emails": known.Emails, "count": len(known.Emails)})
}

// GetInWindow lists organizations inside the outreach window.
//
//	GET /v1/orgs/in-window
func (h *Handlers) GetInWindow(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Leads.InWindow(r.Context())
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, rep)
}

type intakeBody struct {
	Candidates []leads.Candidate `json:"candidates"`
}

type intakeResponse struct {
	RunID  string              `json:"run_id"`
	Report *leads.IntakeReport `json:"report"`
}

// PostCandidates stores a batch of discovered candidates as one run.
//
//	POST /v1/candidates
func (h *Handlers) PostCandidates(w http.ResponseWriter, r *http.Request) {
	var body intakeBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	var rep *leads.IntakeReport
	run, err := h.svc.Ledger.Run(r.Context(), "api:intake", func(ctx context.Context) (*ledger.Result, error) {
		var err error
		rep, err = h.svc.Leads.Intake(ctx, body.Candidates)
		if err != nil {
			return nil, err
		}
		return &ledger.Result{Summary: rep}, nil
	})
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.Created(w, intakeResponse{RunID: run.ID, Report: rep})
}

type transitionBody struct {
	To    string `json:"to"`
	Guard string `json:"guard,omitempty"`
}

// PostTransition moves an organization to another stage.
//
//	POST /v1/orgs/{id}/transitions
func (h *Handlers) PostTransition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	to, err := domain.ParseStage(body.To)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	var guard domain.Stage
	if body.Guard != "" {
		if guard, err = domain.ParseStage(body.Guard); err != nil {
			httputil.FromError(w, err)
			return
		}
	}
	org, err := h.svc.Engagement.ResolveOrganization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	org, err = h.svc.Pipeline.Transition(r.Context(), org.ID, guard, to)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, org)
}

// PostScore applies a score breakdown.
//
//	POST /v1/orgs/{id}/score
func (h *Handlers) PostScore(w http.ResponseWriter, r *http.Request) {
	var b domain.ScoreBreakdown
	if !httputil.Decode(w, r, &b) {
		return
	}
	org, err := h.svc.Engagement.ResolveOrganization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	org, err = h.svc.Pipeline.Score(r.Context(), org.ID, b)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, org)
}

// PostCallPermission records that the call permission email went out.
//
//	POST /v1/orgs/{id}/call-permission
func (h *Handlers) PostCallPermission(w http.ResponseWriter, r *http.Request) {
	org, err := h.svc.Engagement.RequestCallPermission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, org)
}

type historyResponse struct {
	*domain.OrgHistory
	Ledger   []domain.LedgerEntry     `json:"ledger"`
	Feedback []domain.OutcomeFeedback `json:"feedback"`
}

// GetHistory returns replies, calls, meetings and ledger entries of one
// organization.
//
//	GET /v1/orgs/{id}/history
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.svc.Engagement.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	entries, err := h.svc.Ledger.List(r.Context(), domain.LedgerFilter{OrgID: hist.Organization.ID, Limit: 200})
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	feedback, err := h.svc.Ledger.Feedback(r.Context(), hist.Organization.ID)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, historyResponse{OrgHistory: hist, Ledger: entries, Feedback: feedback})
}

// PostSequence enrolls a lead in a new cadence.
//
//	POST /v1/sequences
func (h *Handlers) PostSequence(w http.ResponseWriter, r *http.Request) {
	var req domain.EnrollRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	seq, err := h.svc.Cadence.Enroll(r.Context(), req)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.Created(w, seq)
}

// GetDueTouches lists touches due at ?now= (default: now).
//
//	GET /v1/touches/due
func (h *Handlers) GetDueTouches(w http.ResponseWriter, r *http.Request) {
	now, err := h.queryTime(r, "now")
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	due, err := h.svc.Cadence.DueTouches(r.Context(), now)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if due == nil {
		due = []domain.DueTouch{}
	}
	httputil.OK(w, map[string]any{"touches": due, "count": len(due)})
}

type sentBody struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// PostTouchSent records a delivered touch.
//
//	POST /v1/touches/{id}/sent
func (h *Handlers) PostTouchSent(w http.ResponseWriter, r *http.Request) {
	var body sentBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.SentAt.IsZero() {
		body.SentAt = h.now()
	}
	t, err := h.svc.Cadence.MarkSent(r.Context(), chi.URLParam(r, "id"), body.MessageID, body.SentAt)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, t)
}

type failedBody struct {
	Reason string `json:"reason"`
	Bounce bool   `json:"bounce"`
}

// PostTouchFailed records a failed delivery attempt.
//
//	POST /v1/touches/{id}/failed
func (h *Handlers) PostTouchFailed(w http.ResponseWriter, r *http.Request) {
	var body failedBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	t, err := h.svc.Cadence.MarkFailed(r.Context(), chi.URLParam(r, "id"), body.Reason, body.Bounce)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, t)
}

// GetDueNurture lists nurture organizations due for recontact.
//
//	GET /v1/nurture/due
func (h *Handlers) GetDueNurture(w http.ResponseWriter, r *http.Request) {
	now, err := h.queryTime(r, "now")
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	orgs, err := h.svc.Cadence.DueNurture(r.Context(), now)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if orgs == nil {
		orgs = []domain.Organization{}
	}
	httputil.OK(w, map[string]any{"organizations": orgs, "count": len(orgs)})
}

// GetSuppression checks one address.
//
//	GET /v1/suppressions/{email}
func (h *Handlers) GetSuppression(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	suppressed, err := h.svc.Suppression.IsSuppressed(r.Context(), email)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"email": email, "suppressed": suppressed})
}

// ListSuppressions pages through the suppression list.
//
//	GET /v1/suppressions?page=&limit=&source=&domain=&q=
func (h *Handlers) ListSuppressions(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r, 50, 500)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	q := r.URL.Query()
	entries, total, err := h.svc.Suppression.List(r.Context(), domain.SuppressionFilter{
		Source: domain.SuppressionSource(q.Get("source")),
		Domain: q.Get("domain"),
		Search: q.Get("q"),
		Limit:  p.limit,
		Offset: p.offset(),
	})
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, newPage(entries, p, total))
}

// GetSuppressionStats summarizes the suppression list.
//
//	GET /v1/suppressions/stats
func (h *Handlers) GetSuppressionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Suppression.GetStats(r.Context())
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, stats)
}

type suppressBody struct {
	Email  string                   `json:"email"`
	Reason string                   `json:"reason"`
	Source domain.SuppressionSource `json:"source,omitempty"`
}

// PostSuppression adds a permanent suppression.
//
//	POST /v1/suppressions
func (h *Handlers) PostSuppression(w http.ResponseWriter, r *http.Request) {
	var body suppressBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.Source == "" {
		body.Source = domain.SourceManual
	}
	res, err := h.svc.Suppression.Suppress(r.Context(), body.Email, body.Reason, body.Source)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	httputil.JSON(w, status, res)
}

// PostReply records an inbound reply.
//
//	POST /v1/replies
func (h *Handlers) PostReply(w http.ResponseWriter, r *http.Request) {
	var req engagement.ReplyRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	res, err := h.svc.Engagement.RecordReply(r.Context(), req)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.Created(w, res)
}

// PostCall records a call attempt.
//
//	POST /v1/calls
func (h *Handlers) PostCall(w http.ResponseWriter, r *http.Request) {
	var req engagement.CallRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	call, org, err := h.svc.Engagement.RecordCall(r.Context(), req)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.Created(w, map[string]any{"call": call, "organization": org})
}

// PostMeeting records a booked meeting.
//
//	POST /v1/meetings
func (h *Handlers) PostMeeting(w http.ResponseWriter, r *http.Request) {
	var req engagement.MeetingRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	m, org, err := h.svc.Engagement.RecordMeeting(r.Context(), req)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.Created(w, map[string]any{"meeting": m, "organization": org})
}

type outcomeBody struct {
	Status string `json:"status"`
}

// PostMeetingOutcome closes a meeting.
//
//	POST /v1/meetings/{id}/outcome
func (h *Handlers) PostMeetingOutcome(w http.ResponseWriter, r *http.Request) {
	var body outcomeBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	status, err := domain.ParseMeetingStatus(body.Status)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	m, org, err := h.svc.Engagement.MeetingOutcome(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"meeting": m, "organization": org})
}

// GetLedger lists ledger entries, newest first.
//
//	GET /v1/ledger?org_id=&run_id=&action=&limit=
func (h *Handlers) GetLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := h.svc.Ledger.List(r.Context(), domain.LedgerFilter{
		OrgID:  q.Get("org_id"),
		RunID:  q.Get("run_id"),
		Action: domain.LedgerAction(q.Get("action")),
		Limit:  limit,
	})
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	httputil.OK(w, map[string]any{"entries": entries, "count": len(entries)})
}
