package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignite/leadengine/internal/config"
	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/httpretry"
	"github.com/ignite/leadengine/internal/service/engagement"
	"github.com/ignite/leadengine/internal/service/leads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(config.EndpointConfig{BaseURL: srv.URL + "/", APIKey: "k-123", MaxRetries: 1})
	c.SetHTTPClient(httpretry.NewRetryClient(srv.Client(), 1, httpretry.WithBackoff(time.Millisecond, 2*time.Millisecond)))
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestClientSendsAuthAndMapsErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k-123", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/recontacts", r.URL.Path)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "nope"})
	})

	err := NewDispatcher(c, nil).Recontact(context.Background(), domain.Organization{ID: "org-1", Domain: "acme.com"})
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.ErrorIs(t, err, domain.ErrExternalFailure)
}

func TestDiscoverDropsKnownDomains(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req discoverRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2, req.Limit)
		assert.Equal(t, []string{"acme.com"}, req.ExcludeDomains)
		assert.Equal(t, []string{}, req.ExcludeEmails)
		writeJSON(w, http.StatusOK, discoverResponse{Candidates: []leads.Candidate{
			{Organization: domain.OrganizationCandidate{Name: "Acme", Website: "https://www.acme.com/"}},
			{Organization: domain.OrganizationCandidate{Name: "Beta", Website: "beta.io"}},
			{Organization: domain.OrganizationCandidate{Name: "Gamma", Domain: "gamma.org"}},
			{Organization: domain.OrganizationCandidate{Name: "Delta", Domain: "delta.org"}},
		}})
	})

	got, err := NewDiscovery(c).Discover(context.Background(), 2, leads.KnownKeys{Domains: []string{"acme.com"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Beta", got[0].Organization.Name)
	assert.Equal(t, "Gamma", got[1].Organization.Name)
}

func TestClassifierValidatesLabel(t *testing.T) {
	var label atomic.Value
	label.Store("NURTURE")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req engagement.ClassifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ping me in spring", req.Text)
		writeJSON(w, http.StatusOK, map[string]any{
			"classification": label.Load(), "reasoning": "timing", "recontact_date": "2026-09-01T00:00:00Z",
		})
	})
	cl := NewClassifier(c)

	got, err := cl.Classify(context.Background(), engagement.ClassifyRequest{Text: "ping me in spring"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReplyNurture, got.Class)
	require.NotNil(t, got.RecontactAt)
	assert.Equal(t, 2026, got.RecontactAt.Year())

	label.Store("MAYBE")
	_, err = cl.Classify(context.Background(), engagement.ClassifyRequest{Text: "ping me in spring"})
	assert.ErrorIs(t, err, domain.ErrExternalFailure)
}

func TestPlaceCallAppliesOutcome(t *testing.T) {
	start := time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var order CallOrder
		require.NoError(t, json.NewDecoder(r.Body).Decode(&order))
		assert.Equal(t, "+15551234567", order.Phone)
		writeJSON(w, http.StatusOK, CallOutcome{
			ExternalCallID: "call-9", Status: domain.CallBooked, AgreedSlot: "Thu 3pm",
			Meeting: &BookedMeeting{ExternalEventID: "evt-1", Start: start, End: start.Add(30 * time.Minute), Timezone: "UTC"},
		})
	})

	out, err := NewBooking(c).PlaceCall(context.Background(), CallOrder{ContactEmail: "ann@acme.com", Phone: "+15551234567"})
	require.NoError(t, err)

	req := engagement.BookRequest{LeadRef: "acme.com", ContactEmail: "ann@acme.com"}
	out.Apply(&req)
	assert.Equal(t, "call-9", req.Call.ExternalCallID)
	assert.Equal(t, domain.CallBooked, req.Call.Status)
	require.NotNil(t, req.Meeting)
	assert.Equal(t, "acme.com", req.Meeting.LeadRef)
	assert.Equal(t, start, req.Meeting.Start)
}

func TestPlaceCallRejectsUnknownStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"call_status": "voicemail"})
	})
	_, err := NewBooking(c).PlaceCall(context.Background(), CallOrder{})
	assert.ErrorIs(t, err, domain.ErrExternalFailure)
}

func TestDispatcherSend(t *testing.T) {
	touch := domain.DueTouch{
		EmailTouch:   domain.EmailTouch{ID: "t-1", SequenceID: "s-1", TouchNumber: 2, Subject: "Hi", Body: "..."},
		OrgDomain:    "acme.com",
		ContactEmail: "ann@acme.com",
	}

	t.Run("delivered", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var req sendRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "t-1", req.TouchID)
			assert.Equal(t, 2, req.TouchNumber)
			writeJSON(w, http.StatusAccepted, sendResponse{MessageID: "msg-1"})
		})
		id, err := NewDispatcher(c, nil).Send(context.Background(), touch)
		require.NoError(t, err)
		assert.Equal(t, "msg-1", id)
	})

	t.Run("bounce", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnprocessableEntity, sendRejection{Error: "mailbox does not exist", Bounce: true})
		})
		_, err := NewDispatcher(c, nil).Send(context.Background(), touch)
		var de *domain.DeliveryError
		require.True(t, errors.As(err, &de))
		assert.True(t, de.Bounce)
		assert.Equal(t, "mailbox does not exist", de.Reason)
		assert.ErrorIs(t, err, domain.ErrExternalFailure)
	})

	t.Run("server error is transient", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusServiceUnavailable, sendRejection{Error: "busy", Bounce: true})
		})
		_, err := NewDispatcher(c, nil).Send(context.Background(), touch)
		var de *domain.DeliveryError
		require.True(t, errors.As(err, &de))
		assert.False(t, de.Bounce)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("missing message id", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{})
		})
		_, err := NewDispatcher(c, nil).Send(context.Background(), touch)
		var de *domain.DeliveryError
		assert.True(t, errors.As(err, &de))
	})
}

func TestRecontactUsesSeparateClient(t *testing.T) {
	delivery := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("delivery client must not receive recontacts")
	})
	due := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	gen := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req recontactRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "org-1", req.OrganizationID)
		assert.Equal(t, "2026-09-01", req.DueAt)
		w.WriteHeader(http.StatusNoContent)
	})

	err := NewDispatcher(delivery, gen).Recontact(context.Background(), domain.Organization{ID: "org-1", Domain: "acme.com", NextOutreachAt: &due})
	require.NoError(t, err)
}

type callLog struct {
	mu    sync.Mutex
	calls []domain.APICall
	runs  []string
}

func (l *callLog) RecordAPICall(ctx context.Context, c domain.APICall) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
	l.runs = append(l.runs, domain.RunIDFrom(ctx))
	return nil
}

func TestClientRecordsEachRequest(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/messages" {
			writeJSON(w, http.StatusAccepted, sendResponse{MessageID: "msg-1"})
			return
		}
		attempts.Add(1)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream"})
	})
	log := &callLog{}
	c.Observe("delivery", log)
	d := NewDispatcher(c, nil)
	ctx := domain.WithRunID(context.Background(), "run-7")

	_, err := d.Send(ctx, domain.DueTouch{EmailTouch: domain.EmailTouch{ID: "t-1", TouchNumber: 1}})
	require.NoError(t, err)
	err = d.Recontact(ctx, domain.Organization{ID: "org-1", Domain: "acme.com"})
	require.Error(t, err)

	require.Len(t, log.calls, 2, "retries collapse into one row")
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, "delivery", log.calls[0].Service)
	assert.Equal(t, "POST /v1/messages", log.calls[0].Operation)
	assert.True(t, log.calls[0].Success)
	assert.Equal(t, http.StatusAccepted, log.calls[0].StatusCode)
	assert.Equal(t, "POST /v1/recontacts", log.calls[1].Operation)
	assert.False(t, log.calls[1].Success)
	assert.Equal(t, http.StatusBadGateway, log.calls[1].StatusCode)
	assert.Equal(t, []string{"run-7", "run-7"}, log.runs)
}
