package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ignite/leadengine/internal/config"
	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/httputil"
	"github.com/ignite/leadengine/internal/repository/sqlstore"
	"github.com/ignite/leadengine/internal/repository/sqlstore/sqlstoretest"
	"github.com/ignite/leadengine/internal/service/cadence"
	"github.com/ignite/leadengine/internal/service/engagement"
	"github.com/ignite/leadengine/internal/service/leads"
	"github.com/ignite/leadengine/internal/service/ledger"
	"github.com/ignite/leadengine/internal/service/pipeline"
	"github.com/ignite/leadengine/internal/service/suppression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	store   *sqlstore.Store
	clock   *sqlstoretest.Clock
	handler http.Handler
}

func newAPIFixture(t *testing.T, cfg config.ServerConfig) *apiFixture {
	t.Helper()
	store, clock := sqlstoretest.New(t)
	gate := suppression.NewService(store, suppression.WithClock(clock.Now))
	h := NewHandlers(Services{
		Leads:       leads.NewService(store, leads.WithClock(clock.Now)),
		Pipeline:    pipeline.NewService(store),
		Cadence:     cadence.NewService(store, gate, cadence.WithClock(clock.Now)),
		Suppression: gate,
		Engagement:  engagement.NewService(store, engagement.WithClock(clock.Now)),
		Ledger:      ledger.NewService(store, nil),
	}, NewHealthChecker(store.DB(), nil, true))
	h.SetClock(clock.Now)
	return &apiFixture{store: store, clock: clock, handler: NewServer(cfg, h).Handler()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func qualifiedCandidate(website, email string) leads.Candidate {
	return leads.Candidate{
		Organization: domain.OrganizationCandidate{
			Name:    "Acme Events",
			Website: website,
			Score:   &domain.ScoreBreakdown{EventRelevance: 30, DigitalAdReadiness: 20, ContactQuality: 15, OrganizationSizeFit: 10},
		},
		Contacts: []domain.ContactCandidate{{Name: "Ann", Email: email}},
	}
}

// seed stores a qualified lead through the API and returns it.
func (f *apiFixture) seed(t *testing.T) (*domain.Organization, *domain.Contact) {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/v1/candidates", intakeBody{Candidates: []leads.Candidate{qualifiedCandidate("https://www.acme.com/", "Ann@Acme.com")}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	ctx := context.Background()
	org, err := f.store.GetOrganizationByDomain(ctx, "acme.com")
	require.NoError(t, err)
	c, err := f.store.GetContactByEmail(ctx, "ann@acme.com")
	require.NoError(t, err)
	return org, c
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, config.ServerConfig{})

	rr := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	h := decode[HealthStatus](t, rr)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "up", h.Checks["database"].Status)
	assert.Equal(t, "up", h.Checks["outbox"].Status)
	assert.Equal(t, "not configured", h.Checks["redis"].Message)

	rr = f.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/v2/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", decode[httputil.ErrorResponse](t, rr).Code)
}

func TestIntakeAndKnownKeys(t *testing.T) {
	f := newAPIFixture(t, config.ServerConfig{})

	rr := f.do(t, http.MethodPost, "/v1/candidates", intakeBody{Candidates: []leads.Candidate{
		qualifiedCandidate("acme.com", "ann@acme.com"),
		{Organization: domain.OrganizationCandidate{Name: "Bad", Website: "not a domain"}},
	}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	resp := decode[struct {
		RunID  string             `json:"run_id"`
		Report leads.IntakeReport `json:"report"`
	}](t, rr)
	assert.NotEmpty(t, resp.RunID)
	assert.Len(t, resp.Report.Created, 1)
	assert.Equal(t, []string{"acme.com"}, resp.Report.Qualified)
	assert.Len(t, resp.Report.Rejections, 1)

	run, err := f.store.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "api:intake", run.Command)
	assert.Equal(t, domain.RunSucceeded, run.Status)

	rr = f.do(t, http.MethodGet, "/v1/known/domains", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"acme.com"}, decode[struct{ Domains []string }](t, rr).Domains)

	rr = f.do(t, http.MethodGet, "/v1/known/emails", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"ann@acme.com"}, decode[struct{ Emails []string }](t, rr).Emails)
}

func TestIntakeRejectsUnknownFields(t *testing.T) {
	f := newAPIFixture(t, config.ServerConfig{})
	rr := f.do(t, http.MethodPost, "/v1/candidates", `{"candidates":[],"extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_input", decode[httputil.ErrorResponse](t, rr).Code)
}

func TestTransitionErrors(t *testing.T) {
	f := newAPIFixture(t, config.ServerConfig{})
	org, _ := f.seed(t)

	rr := f.do(t, http.MethodPost, "/v1/orgs/"+org.ID+"/transitions", transitionBody{To: "booked"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "invalid_transition", decode[httputil.ErrorResponse](t, rr).Code)

	rr = f.do(t, http.MethodPost, "/v1/orgs/acme.com/transitions", transitionBody{To: "nowhere"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/orgs/unknown.org/transitions", transitionBody{To: "closed_lost"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/orgs/acme.com/transitions", transitionBody{To: "closed_lost"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, domain.StageClosedLost, decode[domain.Organization](t, rr).Stage)
}

func TestSequenceTouchFlow(t *testing.T) {
	f := newAPIFixture(t, config.ServerConfig{})
	org, contact := f.seed(t)
	start := f.clock.Now()

	rr := f.do(t, http.MethodPost, "/v1/sequences", domain.EnrollRequest{
		OrgID: org.ID, ContactID: contact.ID, Start: start,
		Content: []domain.TouchContent{{TouchNumber: 1, Subject: "Hello", Body: "..."}},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/v1/touches/due", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, decode[struct{ Count int }](t, rr).Count, "touch 1 is due a day after enrollment")

	later := start.Add(48 * time.Hour).Format(time.RFC3339)
	rr = f.do(t, http.MethodGet, "/v1/touches/due?now="+later, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	due := decode[struct {
		Touches []domain.DueTouch `json:"touches"`
	}](t, rr).Touches
	require.Len(t, due, 1)
	assert.Equal(t, "ann@acme.com", due[0].ContactEmail)

	rr = f.do(t, http.MethodGet, "/v1/touches/due?now=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	sentAt := start.Add(48 * time.Hour)
	for i := 0; i < 2; i++ {
		rr = f.do(t, http.MethodPost, "/v1/touches/"+due[0].ID+"/sent", sentBody{MessageID: "msg-1", SentAt: sentAt})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodPost, "/v1/touches/"+due[0].ID+"/sent", sentBody{SentAt: sentAt})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/orgs/"+org.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	hist := decode[historyResponse](t, rr)
	assert.Equal(t, domain.StageTouch1Sent, hist.Organization.Stage)
	assert.NotEmpty(t, hist.Ledger)
}

func TestSuppressionEndpoints(t *testing.T) {
	f := newAPIFixture(t, config.ServerConfig{})

	rr := f.do(t, http.MethodPost, "/v1/suppressions", suppressBody{Email: "Ann@Acme.com", Reason: "asked"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = f.do(t, http.MethodPost, "/v1/suppressions", suppressBody{Email: "ann@acme.com", Reason: "again"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/suppressions/ann@acme.com", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[struct{ Suppressed bool }](t, rr).Suppressed)

	rr = f.do(t, http.MethodGet, "/v1/suppressions/bob@acme.com", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[struct{ Suppressed bool }](t, rr).Suppressed)

	rr = f.do(t, http.MethodGet, "/v1/suppressions?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[Page[domain.SuppressionEntry]](t, rr)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.SourceManual, page.Items[0].Source)
	assert.Equal(t, 1, page.Total)

	rr = f.do(t, http.MethodGet, "/v1/suppressions?page=0", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/suppressions/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[suppression.Stats](t, rr).Total)

	// Creating a contact for a suppressed address is refused.
	rr = f.do(t, http.MethodPost, "/v1/candidates", intakeBody{Candidates: []leads.Candidate{qualifiedCandidate("acme.com", "ann@acme.com")}})
	require.Equal(t, http.StatusCreated, rr.Code)
	rep := decode[intakeResponse](t, rr).Report
	require.Len(t, rep.Rejections, 1)
	assert.Equal(t, "contact", rep.Rejections[0].Kind)
}

func TestReplyNeedsResolvableLead(t *testing.T) {
	f := newAPIFixture(t, config.ServerConfig{})
	rr := f.do(t, http.MethodPost, "/v1/replies", engagement.ReplyRequest{LeadRef: "ghost.io", Text: "yes please"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "unresolved_reference", decode[httputil.ErrorResponse](t, rr).Code)
}

func TestTokenRequired(t *testing.T) {
	f := newAPIFixture(t, config.ServerConfig{APIToken: "s3cret"})

	rr := f.do(t, http.MethodGet, "/v1/known/domains", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/known/domains", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rr.Code, "health stays open")
}

func TestRateLimit(t *testing.T) {
	f := newAPIFixture(t, config.ServerConfig{RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		rr := f.do(t, http.MethodGet, "/v1/known/domains", nil)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	rr := f.do(t, http.MethodGet, "/v1/known/domains", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	rr = f.do(t, http.MethodGet, "/v1/known/domains", nil, "X-Real-IP", "10.0.0.9")
	assert.Equal(t, http.StatusOK, rr.Code, "limits are per client")
}

func TestParsePage(t *testing.T) {
	p, err := parsePage(httptest.NewRequest(http.MethodGet, "/x?page=3&limit=1000", nil), 50, 200)
	require.NoError(t, err)
	assert.Equal(t, pageRequest{page: 3, limit: 200}, p)
	assert.Equal(t, 400, p.offset())

	p, err = parsePage(httptest.NewRequest(http.MethodGet, "/x", nil), 50, 200)
	require.NoError(t, err)
	assert.Equal(t, pageRequest{page: 1, limit: 50}, p)

	for _, q := range []string{"page=0", "page=-2", "limit=ten"} {
		_, err := parsePage(httptest.NewRequest(http.MethodGet, "/x?"+q, nil), 50, 200)
		var ve *domain.ValidationError
		assert.ErrorAs(t, err, &ve, q)
	}

	pg := newPage[int](nil, pageRequest{page: 1, limit: 50}, 101)
	assert.Equal(t, 3, pg.Pages)
	assert.True(t, pg.HasMore)
	assert.NotNil(t, pg.Items)

	last := newPage([]int{1}, pageRequest{page: 3, limit: 50}, 101)
	assert.False(t, last.HasMore)
}

func TestDetermineOverallStatus(t *testing.T) {
	assert.Equal(t, "unhealthy", determineOverallStatus(map[string]ComponentCheck{"database": {Status: "down", Message: "ping failed"}}))
	assert.Equal(t, "degraded", determineOverallStatus(map[string]ComponentCheck{"database": {Status: "up"}, "redis": {Status: "down", Message: "ping failed"}}))
	assert.Equal(t, "healthy", determineOverallStatus(map[string]ComponentCheck{"database": {Status: "up"}, "redis": {Status: "down", Message: "not configured"}}))
}
