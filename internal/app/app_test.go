package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/leadengine/internal/config"
	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/service/engagement"
	"github.com/ignite/leadengine/internal/service/leads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Database.Path = filepath.Join(dir, "db", "leads.db")
	cfg.Cadence.LockDir = dir
	cfg.Artifacts.Type = "local"
	cfg.Artifacts.LocalPath = filepath.Join(dir, "runs")
	return cfg
}

func TestOpen_SQLiteOnly(t *testing.T) {
	cfg := testConfig(t)
	a, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Store.Migrate(context.Background())
	require.NoError(t, err)

	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Discovery)
	assert.Nil(t, a.Booking)
	assert.Nil(t, a.Dispatcher)

	svc := a.Services()
	assert.NotNil(t, svc.Leads)
	assert.NotNil(t, svc.Ledger)
	assert.NotNil(t, svc.Suppression)
}

func TestOpen_WithRedisAndCollaborators(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.Collaborators.Delivery.BaseURL = "http://delivery.invalid"
	cfg.Collaborators.Booking.BaseURL = "http://booking.invalid"

	a, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Redis)
	assert.NotNil(t, a.Dispatcher)
	assert.NotNil(t, a.Booking)
}

func TestOpen_UnreachableRedisIsSkipped(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.Redis.Addr = addr
	a, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Redis)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []int
}

func (d *recordingDispatcher) Send(_ context.Context, t domain.DueTouch) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, t.TouchNumber)
	return "msg-" + t.ID, nil
}

func (d *recordingDispatcher) Recontact(context.Context, domain.Organization) error { return nil }

func TestLeadLifecycle_DiscoverSendUnsubscribeRediscover(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Store.Migrate(ctx)
	require.NoError(t, err)

	acme := leads.Candidate{
		Organization: domain.OrganizationCandidate{
			Name: "Acme Co", Website: "https://acme.co",
			Score: &domain.ScoreBreakdown{EventRelevance: 30, DigitalAdReadiness: 20, ContactQuality: 12, OrganizationSizeFit: 10},
		},
		Contacts: []domain.ContactCandidate{{Name: "Ann Lee", Email: "ann@acme.co"}},
	}
	rep, err := a.Leads.IntakeNew(ctx, []leads.Candidate{acme})
	require.NoError(t, err)
	require.Equal(t, []string{"acme.co"}, rep.Created)
	require.Equal(t, []string{"acme.co"}, rep.Qualified)
	org := rep.Organizations[0]
	require.NotNil(t, org.ScoreTotal)
	assert.Equal(t, 72, *org.ScoreTotal)

	contact, err := a.Store.GetContactByEmail(ctx, "ann@acme.co")
	require.NoError(t, err)
	start := time.Now().UTC()
	seq, err := a.Cadence.Enroll(ctx, domain.EnrollRequest{
		OrgID: org.ID, ContactID: contact.ID, Start: start,
		Content: []domain.TouchContent{
			{TouchNumber: 1, Subject: "one"}, {TouchNumber: 2, Subject: "two"}, {TouchNumber: 3, Subject: "three"},
		},
	})
	require.NoError(t, err)
	require.Len(t, seq.Touches, 3)
	for i, days := range []int{1, 5, 10} {
		assert.Equal(t, time.Duration(days)*24*time.Hour, seq.Touches[i].ScheduledAt.Sub(start).Round(time.Hour))
		assert.Equal(t, domain.TouchScheduled, seq.Touches[i].Status)
	}

	d := &recordingDispatcher{}
	sweep, err := a.Cadence.Sweep(ctx, start.Add(24*time.Hour+time.Minute), d)
	require.NoError(t, err)
	require.Len(t, sweep.Sent, 1)
	assert.Equal(t, []int{1}, d.sent)

	res, err := a.Engagement.RecordReply(ctx, engagement.ReplyRequest{
		LeadRef: "acme.co", Text: "unsubscribe",
		Classification: &domain.Classification{Class: domain.ReplyUnsubscribe},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StageUnsubscribed, res.Organization.Stage)
	require.NotNil(t, res.Suppression)
	assert.True(t, res.Suppression.Created)
	assert.Equal(t, 2, res.CancelledTouches)

	suppressed, err := a.Suppression.IsSuppressed(ctx, "ann@acme.co")
	require.NoError(t, err)
	assert.True(t, suppressed)

	got, err := a.Store.GetSequence(ctx, seq.ID)
	require.NoError(t, err)
	statuses := map[int]domain.TouchStatus{}
	for _, tt := range got.Touches {
		statuses[tt.TouchNumber] = tt.Status
	}
	assert.Equal(t, map[int]domain.TouchStatus{1: domain.TouchSent, 2: domain.TouchCancelled, 3: domain.TouchCancelled}, statuses)

	rep, err = a.Leads.IntakeNew(ctx, []leads.Candidate{acme})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme.co"}, rep.Skipped)
	assert.Empty(t, rep.Created)
	assert.Empty(t, rep.Merged)
	assert.Zero(t, rep.Contacts)

	orgs, err := a.Store.ListOrganizations(ctx, domain.OrgFilter{IncludeDisqualified: true})
	require.NoError(t, err)
	assert.Len(t, orgs, 1)
	contacts, err := a.Store.ListContacts(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, contacts, 1)

	later, err := a.Cadence.Sweep(ctx, start.Add(11*24*time.Hour), d)
	require.NoError(t, err)
	assert.Zero(t, later.Planned)
	assert.Equal(t, []int{1}, d.sent)
}
