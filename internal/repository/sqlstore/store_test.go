package sqlstore

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "leads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	s.SetClock(clock.Now)

	applied, err := s.Migrate(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, applied)
	return s, clock
}

var qualifyingScore = domain.ScoreBreakdown{EventRelevance: 30, DigitalAdReadiness: 20, ContactQuality: 10, OrganizationSizeFit: 10}

// seedLead creates a qualified organization with one contact.
func seedLead(t *testing.T, s *Store, website, email string) (*domain.Organization, *domain.Contact) {
	t.Helper()
	ctx := context.Background()
	org, created, err := s.UpsertOrganization(ctx, domain.OrganizationCandidate{Name: "Lead " + website, Website: website})
	require.NoError(t, err)
	require.True(t, created)
	c, _, err := s.UpsertContact(ctx, org.ID, domain.ContactCandidate{Name: "Pat Doe", Email: email})
	require.NoError(t, err)
	org, err = s.ApplyScore(ctx, org.ID, qualifyingScore)
	require.NoError(t, err)
	require.Equal(t, domain.StageQualified, org.Stage)
	return org, c
}

func threeTouches() []domain.TouchContent {
	return []domain.TouchContent{
		{TouchNumber: 1, Subject: "Your summit", Body: "one"},
		{TouchNumber: 2, Subject: "Re: Your summit", Body: "two"},
		{TouchNumber: 3, Subject: "Last note", Body: "three"},
	}
}

func enroll(t *testing.T, s *Store, clock *testClock, org *domain.Organization, c *domain.Contact) *domain.EmailSequence {
	t.Helper()
	seq, err := s.Enroll(context.Background(), domain.EnrollRequest{
		OrgID: org.ID, ContactID: c.ID, Content: threeTouches(), Start: clock.Now(),
	})
	require.NoError(t, err)
	require.Len(t, seq.Touches, 3)
	return seq
}

func TestMigrate_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	applied, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestUpsertOrganization_MergesOnDomain(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.UpsertOrganization(ctx, domain.OrganizationCandidate{
		Name: "Acme Events", Website: "https://www.Acme.com/about", Description: "trade shows",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "acme.com", first.Domain)
	assert.Equal(t, domain.StageDiscovered, first.Stage)

	second, created, err := s.UpsertOrganization(ctx, domain.OrganizationCandidate{
		Name: "Acme", Website: "acme.com", Disqualified: true, DisqualificationReason: "agency",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Acme", second.Name)
	assert.Equal(t, "trade shows", second.Description, "empty candidate field must not overwrite")
	assert.True(t, second.Disqualified)

	third, _, err := s.UpsertOrganization(ctx, domain.OrganizationCandidate{Name: "Acme", Website: "http://acme.com"})
	require.NoError(t, err)
	assert.True(t, third.Disqualified, "disqualified is sticky")
	assert.Equal(t, "agency", third.DisqualificationReason)

	domains, err := s.KnownDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme.com"}, domains)

	exists, err := s.DomainsExist(ctx, []string{"acme.com", "other.org"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"acme.com": true}, exists)
}

func TestUpsertOrganization_InvalidCandidate(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.UpsertOrganization(context.Background(), domain.OrganizationCandidate{Name: "No site"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestUpsertContact_OwnershipAndSuppression(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, _, err := s.UpsertOrganization(ctx, domain.OrganizationCandidate{Name: "A", Website: "a-events.com"})
	require.NoError(t, err)
	b, _, err := s.UpsertOrganization(ctx, domain.OrganizationCandidate{Name: "B", Website: "b-events.com"})
	require.NoError(t, err)

	c, created, err := s.UpsertContact(ctx, a.ID, domain.ContactCandidate{Name: "Jo", Email: "Jo@A-Events.com"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "jo@a-events.com", c.Email)

	merged, created, err := s.UpsertContact(ctx, a.ID, domain.ContactCandidate{Title: "CMO", Email: "jo@a-events.com"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, merged.ID)
	assert.Equal(t, "Jo", merged.Name)
	assert.Equal(t, "CMO", merged.Title)

	_, _, err = s.UpsertContact(ctx, b.ID, domain.ContactCandidate{Email: "jo@a-events.com"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.AddSuppression(ctx, domain.SuppressionEntry{Email: "blocked@b-events.com", Source: domain.SourceManual})
	require.NoError(t, err)
	_, _, err = s.UpsertContact(ctx, b.ID, domain.ContactCandidate{Email: "blocked@b-events.com"})
	assert.ErrorIs(t, err, domain.ErrSuppressed)

	emails, err := s.KnownEmails(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jo@a-events.com"}, emails)
}

func TestUpsertEvent_KeepsStoredDate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	org, _, err := s.UpsertOrganization(ctx, domain.OrganizationCandidate{Name: "Summit", Website: "summit.org"})
	require.NoError(t, err)

	date := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	_, err = s.UpsertEvent(ctx, org.ID, domain.EventCandidate{Name: "Annual Summit", Date: &date, RecurrencePeriod: domain.RecurrenceAnnual})
	require.NoError(t, err)
	ev, err := s.UpsertEvent(ctx, org.ID, domain.EventCandidate{Name: "Annual Summit", RegistrationURL: "https://summit.org/register"})
	require.NoError(t, err)

	require.NotNil(t, ev.Date)
	assert.True(t, ev.Date.Equal(date))
	assert.True(t, ev.IsRecurring)
	assert.Equal(t, "https://summit.org/register", ev.RegistrationURL)

	events, err := s.ListEvents(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestTransition_GuardAndRejectionLedger(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	org, _, err := s.UpsertOrganization(ctx, domain.OrganizationCandidate{Name: "G", Website: "guard.io"})
	require.NoError(t, err)

	_, err = s.Transition(ctx, org.ID, domain.StageScored, domain.StageEnriched)
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StageDiscovered, te.Current)

	got, err := s.Transition(ctx, org.ID, domain.StageDiscovered, domain.StageEnriched)
	require.NoError(t, err)
	assert.Equal(t, domain.StageEnriched, got.Stage)

	_, err = s.Transition(ctx, org.ID, "", domain.StageInSequence)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	entries, err := s.ListLedger(ctx, domain.LedgerFilter{OrgID: org.ID, Action: domain.ActionTransition})
	require.NoError(t, err)
	var rejected, applied int
	for _, e := range entries {
		switch e.Outcome {
		case domain.OutcomeRejected:
			rejected++
		case domain.OutcomeApplied:
			applied++
		}
	}
	assert.Equal(t, 2, rejected)
	assert.Equal(t, 1, applied)

	stored, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageEnriched, stored.Stage)
}

func TestTransition_TerminalStageIsFinal(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	org, _ := seedLead(t, s, "final.com", "x@final.com")

	_, err := s.Transition(ctx, org.ID, "", domain.StageClosedLost)
	require.NoError(t, err)
	for _, target := range []domain.Stage{domain.StageNurture, domain.StageInSequence, domain.StageUnsubscribed} {
		_, err := s.Transition(ctx, org.ID, "", target)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, target)
	}
}

func TestApplyScore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	org, _, err := s.UpsertOrganization(ctx, domain.OrganizationCandidate{Name: "Low", Website: "low.org"})
	require.NoError(t, err)

	low := domain.ScoreBreakdown{EventRelevance: 10, DigitalAdReadiness: 10, ContactQuality: 10, OrganizationSizeFit: 10}
	got, err := s.ApplyScore(ctx, org.ID, low)
	require.NoError(t, err)
	assert.Equal(t, domain.StageRejected, got.Stage)
	require.NotNil(t, got.ScoreTotal)
	assert.Equal(t, 40, *got.ScoreTotal)

	got, err = s.ApplyScore(ctx, org.ID, qualifyingScore)
	require.NoError(t, err, "re-score from rejected")
	assert.Equal(t, domain.StageQualified, got.Stage)

	_, err = s.ApplyScore(ctx, org.ID, domain.ScoreBreakdown{EventRelevance: 36})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDueTouches_LowestScheduledOnly(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	org, c := seedLead(t, s, "cadence.com", "ann@cadence.com")
	seq := enroll(t, s, clock, org, c)

	due, err := s.DueTouches(ctx, clock.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, due, "nothing due on enrollment day")

	due, err = s.DueTouches(ctx, clock.Now().AddDate(0, 0, 30), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].TouchNumber)
	assert.Equal(t, "ann@cadence.com", due[0].ContactEmail)
	assert.Equal(t, "cadence.com", due[0].OrgDomain)

	sentAt := clock.Now().AddDate(0, 0, 1)
	touch, err := s.MarkSent(ctx, due[0].ID, "msg-1", sentAt)
	require.NoError(t, err)
	assert.Equal(t, domain.TouchSent, touch.Status)

	stored, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageTouch1Sent, stored.Stage)
	require.NotNil(t, stored.LastOutreachAt)
	assert.True(t, stored.LastOutreachAt.Equal(sentAt))

	due, err = s.DueTouches(ctx, clock.Now().AddDate(0, 0, 5), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].TouchNumber)
	assert.Equal(t, seq.ID, due[0].SequenceID)
}

func TestMarkSent_IdempotentAndCompletes(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	org, c := seedLead(t, s, "complete.com", "bo@complete.com")
	seq := enroll(t, s, clock, org, c)

	for i, touch := range seq.Touches {
		_, err := s.MarkSent(ctx, touch.ID, touch.Subject, clock.Now().AddDate(0, 0, 1+i))
		require.NoError(t, err)
	}
	_, err := s.MarkSent(ctx, seq.Touches[0].ID, seq.Touches[0].Subject, clock.Now())
	require.NoError(t, err, "same message id is a no-op")
	_, err = s.MarkSent(ctx, seq.Touches[0].ID, "different", clock.Now())
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := s.GetSequence(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SequenceCompleted, got.Status)

	stored, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageTouch3Sent, stored.Stage)

	sends, err := s.ListLedger(ctx, domain.LedgerFilter{OrgID: org.ID, Action: domain.ActionSendTouch})
	require.NoError(t, err)
	assert.Len(t, sends, 3)
}

func TestAddSuppression_CancelsPendingTouches(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	org, c := seedLead(t, s, "gate.com", "cy@gate.com")
	seq := enroll(t, s, clock, org, c)

	res, err := s.AddSuppression(ctx, domain.SuppressionEntry{Email: "CY@gate.com", Reason: "asked", Source: domain.SourceManual})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 3, res.CancelledTouches)
	assert.Equal(t, "gate.com", res.Entry.Domain)

	again, err := s.AddSuppression(ctx, domain.SuppressionEntry{Email: "cy@gate.com", Source: domain.SourceBounce})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, domain.SourceManual, again.Entry.Source, "original entry is kept")

	due, err := s.DueTouches(ctx, clock.Now().AddDate(1, 0, 0), 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = s.MarkSent(ctx, seq.Touches[0].ID, "late", clock.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	suppressed, err := s.IsSuppressed(ctx, "cy@gate.com")
	require.NoError(t, err)
	assert.True(t, suppressed)

	n, err := s.CountSuppressions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, total, err := s.ListSuppressions(ctx, domain.SuppressionFilter{Search: "gate", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)

	_, err = s.Enroll(ctx, domain.EnrollRequest{OrgID: org.ID, ContactID: c.ID, Content: threeTouches(), Start: clock.Now()})
	assert.ErrorIs(t, err, domain.ErrSuppressed)
}

func TestMarkFailed_BounceSuppresses(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	org, c := seedLead(t, s, "bounce.com", "dee@bounce.com")
	seq := enroll(t, s, clock, org, c)

	touch, err := s.MarkFailed(ctx, seq.Touches[0].ID, "421 try later", false)
	require.NoError(t, err)
	assert.Equal(t, domain.TouchScheduled, touch.Status)
	assert.Equal(t, 1, touch.FailureCount)

	touch, err = s.MarkFailed(ctx, seq.Touches[0].ID, "550 no such user", true)
	require.NoError(t, err)
	assert.Equal(t, domain.TouchCancelled, touch.Status)
	assert.Equal(t, 2, touch.FailureCount)

	suppressed, err := s.IsSuppressed(ctx, "dee@bounce.com")
	require.NoError(t, err)
	assert.True(t, suppressed)
}

func TestRecordReply_Interested(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	org, c := seedLead(t, s, "yes.com", "eve@yes.com")
	seq := enroll(t, s, clock, org, c)
	_, err := s.MarkSent(ctx, seq.Touches[0].ID, "m1", clock.Now())
	require.NoError(t, err)

	res, err := s.RecordReply(ctx, domain.ReplyInput{
		OrgID: org.ID, ContactID: c.ID, Text: "Sounds great, tell me more",
		Classification: domain.Classification{Class: "interested"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StageRepliedInterested, res.Organization.Stage)
	assert.Equal(t, 2, res.CancelledTouches)

	feedback, err := s.ListOutcomeFeedback(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, domain.StageRepliedInterested, feedback[0].ConversionEvent)
	require.NotNil(t, feedback[0].TouchNumber)
	assert.Equal(t, 1, *feedback[0].TouchNumber)
	require.NotNil(t, feedback[0].ScoreAtTime)
	assert.Equal(t, 70, *feedback[0].ScoreAtTime)
}

func TestRecordReply_NurtureThenReenroll(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	org, c := seedLead(t, s, "later.com", "fay@later.com")
	seq := enroll(t, s, clock, org, c)

	recontact := clock.Now().AddDate(0, 2, 0)
	_, err := s.RecordReply(ctx, domain.ReplyInput{OrgID: org.ID, ContactID: c.ID, Text: "Ask me in May",
		Classification: domain.Classification{Class: domain.ReplyNurture}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "nurture needs a recontact date")

	res, err := s.RecordReply(ctx, domain.ReplyInput{OrgID: org.ID, ContactID: c.ID, Text: "Ask me in May",
		Classification: domain.Classification{Class: domain.ReplyNurture, RecontactAt: &recontact, RecontactNote: "budget cycle"}})
	require.NoError(t, err)
	assert.Equal(t, domain.StageNurture, res.Organization.Stage)

	paused, err := s.GetSequence(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SequencePaused, paused.Status)

	due, err := s.DueTouches(ctx, clock.Now().AddDate(0, 0, 20), 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	nurture, err := s.DueNurture(ctx, recontact.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, nurture)
	nurture, err = s.DueNurture(ctx, recontact)
	require.NoError(t, err)
	require.Len(t, nurture, 1)
	assert.Equal(t, "budget cycle", nurture[0].RecontactNote)

	clock.Advance(60 * 24 * time.Hour)
	fresh := enroll(t, s, clock, org, c)
	assert.NotEqual(t, seq.ID, fresh.ID)

	old, err := s.GetSequence(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SequenceCancelled, old.Status)

	stored, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInSequence, stored.Stage)
	assert.Nil(t, stored.NextOutreachAt)
}

func TestRecordReply_Unsubscribe(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	org, c := seedLead(t, s, "stop.com", "gil@stop.com")
	enroll(t, s, clock, org, c)

	res, err := s.RecordReply(ctx, domain.ReplyInput{OrgID: org.ID, ContactID: c.ID, Text: "remove me",
		Classification: domain.Classification{Class: domain.ReplyUnsubscribe}})
	require.NoError(t, err)
	assert.Equal(t, domain.StageUnsubscribed, res.Organization.Stage)
	require.NotNil(t, res.Suppression)
	assert.True(t, res.Suppression.Created)
	assert.Equal(t, domain.SourceUnsubscribeReply, res.Suppression.Entry.Source)
	assert.Equal(t, 3, res.CancelledTouches)

	res, err = s.RecordReply(ctx, domain.ReplyInput{OrgID: org.ID, ContactID: c.ID, Text: "STOP",
		Classification: domain.Classification{Class: domain.ReplyUnsubscribe}})
	require.NoError(t, err, "terminal org still accepts the suppression")
	assert.Equal(t, domain.StageUnsubscribed, res.Organization.Stage)
	assert.False(t, res.Suppression.Created)

	_, err = s.RecordReply(ctx, domain.ReplyInput{OrgID: org.ID, ContactID: c.ID, Text: "actually yes",
		Classification: domain.Classification{Class: domain.ReplyInterested}})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

// toPermissionSent drives a fresh lead to call_permission_sent.
func toPermissionSent(t *testing.T, s *Store, clock *testClock, website, email string) (*domain.Organization, *domain.Contact) {
	t.Helper()
	ctx := context.Background()
	org, c := seedLead(t, s, website, email)
	seq := enroll(t, s, clock, org, c)
	_, err := s.MarkSent(ctx, seq.Touches[0].ID, "m1", clock.Now())
	require.NoError(t, err)
	_, err = s.RecordReply(ctx, domain.ReplyInput{OrgID: org.ID, ContactID: c.ID, Text: "yes",
		Classification: domain.Classification{Class: domain.ReplyInterested}})
	require.NoError(t, err)
	org, err = s.Transition(ctx, org.ID, domain.StageRepliedInterested, domain.StageCallPermissionSent)
	require.NoError(t, err)
	return org, c
}

func meetingFor(org *domain.Organization, c *domain.Contact, start time.Time) domain.Meeting {
	return domain.Meeting{
		OrgID: org.ID, ContactID: c.ID, ScheduledStart: start, ScheduledEnd: start.Add(30 * time.Minute),
		Timezone: "America/New_York", MeetLink: "https://meet.example.com/abc",
	}
}

func TestBooking_CallPath(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	org, c := toPermissionSent(t, s, clock, "call.com", "hal@call.com")

	clock.Advance(time.Hour)
	rec, got, err := s.RecordCall(ctx, domain.CallInput{OrgID: org.ID, ContactID: c.ID, PermissionGranted: true, Status: domain.CallBooked, AgreedSlot: "Tue 10am"})
	require.NoError(t, err)
	assert.Equal(t, domain.CallBooked, rec.Status)
	assert.Equal(t, domain.StageCallAttempted, got.Stage)

	m, got, err := s.RecordMeeting(ctx, meetingFor(org, c, clock.Now().AddDate(0, 0, 3)))
	require.NoError(t, err)
	assert.Equal(t, domain.StageBooked, got.Stage)
	require.NotNil(t, m.CallRecordID)
	assert.Equal(t, rec.ID, *m.CallRecordID)

	_, got, err = s.SetMeetingStatus(ctx, m.ID, domain.MeetingCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.StageMeetingHeld, got.Stage)

	h, err := s.OrgHistory(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, h.Replies, 1)
	assert.Len(t, h.Calls, 1)
	require.Len(t, h.Meetings, 1)
	assert.Equal(t, domain.MeetingCompleted, h.Meetings[0].Status)

	feedback, err := s.ListOutcomeFeedback(ctx, org.ID)
	require.NoError(t, err)
	var events []domain.Stage
	for _, f := range feedback {
		events = append(events, f.ConversionEvent)
	}
	assert.ElementsMatch(t, []domain.Stage{domain.StageRepliedInterested, domain.StageBooked, domain.StageMeetingHeld}, events)
}

func TestBooking_GuardedByLatestCall(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	org, c := toPermissionSent(t, s, clock, "declined.com", "ida@declined.com")

	clock.Advance(time.Hour)
	_, _, err := s.RecordCall(ctx, domain.CallInput{OrgID: org.ID, ContactID: c.ID, PermissionGranted: true, Status: domain.CallDeclined})
	require.NoError(t, err)

	_, _, err = s.RecordMeeting(ctx, meetingFor(org, c, clock.Now().AddDate(0, 0, 2)))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	clock.Advance(time.Hour)
	_, got, err := s.RecordCall(ctx, domain.CallInput{OrgID: org.ID, ContactID: c.ID, PermissionGranted: true, Status: domain.CallNoAnswer})
	require.NoError(t, err)
	assert.Equal(t, domain.StageCallAttempted, got.Stage)

	_, got, err = s.RecordMeeting(ctx, meetingFor(org, c, clock.Now().AddDate(0, 0, 2)))
	require.NoError(t, err, "no answer opens the fallback path")
	assert.Equal(t, domain.StageBooked, got.Stage)
}

func TestBooking_FallbackWithoutPermission(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	org, c := toPermissionSent(t, s, clock, "fallback.com", "jon@fallback.com")

	_, _, err := s.RecordMeeting(ctx, meetingFor(org, c, clock.Now().AddDate(0, 0, 2)))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "no skipped call recorded yet")

	clock.Advance(time.Hour)
	rec, got, err := s.RecordCall(ctx, domain.CallInput{OrgID: org.ID, ContactID: c.ID, PermissionGranted: false})
	require.NoError(t, err)
	assert.Equal(t, domain.CallSkipped, rec.Status)
	assert.Equal(t, domain.StageCallPermissionSent, got.Stage)

	_, got, err = s.RecordMeeting(ctx, meetingFor(org, c, clock.Now().AddDate(0, 0, 2)))
	require.NoError(t, err)
	assert.Equal(t, domain.StageBooked, got.Stage)
}

func TestRecordCall_SuppressedContact(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	org, c := toPermissionSent(t, s, clock, "quiet.com", "kim@quiet.com")

	_, err := s.AddSuppression(ctx, domain.SuppressionEntry{Email: c.Email, Source: domain.SourceManual})
	require.NoError(t, err)
	_, _, err = s.RecordCall(ctx, domain.CallInput{OrgID: org.ID, ContactID: c.ID, PermissionGranted: true, Status: domain.CallBooked})
	assert.ErrorIs(t, err, domain.ErrSuppressed)

	stored, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCallPermissionSent, stored.Stage, "rejected call rolls back")
}

func TestLedger_IdempotencyAndOutbox(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, "sweep")
	require.NoError(t, err)
	rctx := domain.WithRunID(ctx, run.ID)

	e, inserted, err := s.AppendLedger(rctx, domain.LedgerEntry{
		Action: domain.ActionRecontact, Outcome: domain.OutcomeApplied, IdempotencyKey: "recontact:x:2026-05-01",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, run.ID, e.RunID)

	again, inserted, err := s.AppendLedger(rctx, domain.LedgerEntry{
		Action: domain.ActionRecontact, Outcome: domain.OutcomeApplied, IdempotencyKey: "recontact:x:2026-05-01",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, e.ID, again.ID)

	ok, err := s.HasLedgerKey(ctx, "recontact:x:2026-05-01")
	require.NoError(t, err)
	assert.True(t, ok)

	pending, err := s.UnpublishedLedger(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, s.MarkLedgerPublished(ctx, []int64{pending[0].ID}, clock.Now()))
	pending, err = s.UnpublishedLedger(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.FinishRun(ctx, run.ID, domain.RunSucceeded, "1 entry"))
	assert.ErrorIs(t, s.FinishRun(ctx, run.ID, domain.RunFailed, ""), domain.ErrNotFound)
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestRecordReply_TouchMustBelongToLead(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	alpha, ca := seedLead(t, s, "alpha.com", "al@alpha.com")
	seqA := enroll(t, s, clock, alpha, ca)
	beta, cb := seedLead(t, s, "beta.com", "bo@beta.com")
	enroll(t, s, clock, beta, cb)
	interested := domain.Classification{Class: domain.ReplyInterested}

	foreign := seqA.Touches[0].ID
	_, err := s.RecordReply(ctx, domain.ReplyInput{OrgID: beta.ID, ContactID: cb.ID, TouchID: &foreign, Text: "yes", Classification: interested})
	assert.ErrorIs(t, err, domain.ErrUnresolvedReference)

	missing := "7d1f2c9e-0000-4000-8000-000000000000"
	_, err = s.RecordReply(ctx, domain.ReplyInput{OrgID: beta.ID, ContactID: cb.ID, TouchID: &missing, Text: "yes", Classification: interested})
	assert.ErrorIs(t, err, domain.ErrUnresolvedReference)

	h, err := s.OrgHistory(ctx, beta.ID)
	require.NoError(t, err)
	assert.Empty(t, h.Replies, "refused replies are not stored")
	stored, err := s.GetOrganization(ctx, beta.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInSequence, stored.Stage)

	rejected, err := s.ListLedger(ctx, domain.LedgerFilter{OrgID: beta.ID, Action: domain.ActionReply})
	require.NoError(t, err)
	require.Len(t, rejected, 2)
	assert.Equal(t, domain.OutcomeRejected, rejected[0].Outcome)

	own := seqA.Touches[0].ID
	res, err := s.RecordReply(ctx, domain.ReplyInput{OrgID: alpha.ID, ContactID: ca.ID, TouchID: &own, Text: "yes", Classification: interested})
	require.NoError(t, err)
	require.NotNil(t, res.Reply.TouchID)
	assert.Equal(t, own, *res.Reply.TouchID)
}

func TestRecordMeeting_CallMustBelongToOrganization(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	alpha, ca := toPermissionSent(t, s, clock, "alpha.com", "al@alpha.com")
	beta, cb := toPermissionSent(t, s, clock, "beta.com", "bo@beta.com")

	clock.Advance(time.Hour)
	callA, _, err := s.RecordCall(ctx, domain.CallInput{OrgID: alpha.ID, ContactID: ca.ID, PermissionGranted: true, Status: domain.CallBooked})
	require.NoError(t, err)
	callB, _, err := s.RecordCall(ctx, domain.CallInput{OrgID: beta.ID, ContactID: cb.ID, PermissionGranted: true, Status: domain.CallBooked})
	require.NoError(t, err)

	m := meetingFor(beta, cb, clock.Now().AddDate(0, 0, 2))
	m.CallRecordID = &callA.ID
	_, _, err = s.RecordMeeting(ctx, m)
	assert.ErrorIs(t, err, domain.ErrUnresolvedReference)

	missing := "7d1f2c9e-0000-4000-8000-000000000001"
	m.CallRecordID = &missing
	_, _, err = s.RecordMeeting(ctx, m)
	assert.ErrorIs(t, err, domain.ErrUnresolvedReference)

	stored, err := s.GetOrganization(ctx, beta.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCallAttempted, stored.Stage, "refused meeting rolls back")

	m.CallRecordID = &callB.ID
	got, org, err := s.RecordMeeting(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, callB.ID, *got.CallRecordID)
	assert.Equal(t, domain.StageBooked, org.Stage)
}

func TestMarkFailed_CapCancelsSequence(t *testing.T) {
	s, clock := newTestStore(t)
	s.SetMaxTouchFailures(3)
	ctx := context.Background()
	org, c := seedLead(t, s, "flaky.com", "fay@flaky.com")
	seq := enroll(t, s, clock, org, c)
	first := seq.Touches[0].ID

	for i := 1; i < 3; i++ {
		touch, err := s.MarkFailed(ctx, first, "451 try later", false)
		require.NoError(t, err)
		assert.Equal(t, domain.TouchScheduled, touch.Status)
		assert.Equal(t, i, touch.FailureCount)
	}

	touch, err := s.MarkFailed(ctx, first, "451 try later", false)
	require.NoError(t, err)
	assert.Equal(t, domain.TouchCancelled, touch.Status)
	assert.Equal(t, 3, touch.FailureCount)

	got, err := s.GetSequence(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SequenceCancelled, got.Status)
	for _, tt := range got.Touches {
		assert.Equal(t, domain.TouchCancelled, tt.Status)
	}

	clock.Advance(30 * 24 * time.Hour)
	due, err := s.DueTouches(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	entries, err := s.ListLedger(ctx, domain.LedgerFilter{OrgID: org.ID, Action: domain.ActionCancelSequence})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Detail, "failed 3 times")

	suppressed, err := s.IsSuppressed(ctx, c.Email)
	require.NoError(t, err)
	assert.False(t, suppressed, "a failure cap is not a bounce")
}

func TestRecordAPICall_AttributedToRun(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, "discover")
	require.NoError(t, err)
	rctx := domain.WithRunID(ctx, run.ID)

	require.NoError(t, s.RecordAPICall(rctx, domain.APICall{
		Service: "discovery", Operation: "POST /v1/discover", Success: true, StatusCode: 200, Duration: 1500 * time.Millisecond,
	}))
	clock.Advance(time.Second)
	require.NoError(t, s.RecordAPICall(rctx, domain.APICall{
		Service: "delivery", Operation: "POST /v1/send", StatusCode: 503,
	}))
	require.NoError(t, s.RecordAPICall(ctx, domain.APICall{Service: "booking", Operation: "POST /v1/calls"}))

	calls, err := s.ListAPICalls(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "discovery", calls[0].Service)
	assert.True(t, calls[0].Success)
	assert.Equal(t, 1500*time.Millisecond, calls[0].Duration)
	assert.Equal(t, run.ID, calls[0].RunID)
	assert.Equal(t, "delivery", calls[1].Service)
	assert.False(t, calls[1].Success)
	assert.Equal(t, 503, calls[1].StatusCode)

	all, err := s.ListAPICalls(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	var ve *domain.ValidationError
	assert.ErrorAs(t, s.RecordAPICall(ctx, domain.APICall{Operation: "GET /"}), &ve)
}

func TestTransition_RejectionLedgerFailureIsLogged(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	org, _ := seedLead(t, s, "nolog.com", "nat@nolog.com")

	var buf bytes.Buffer
	prev := logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(prev) })

	_, err := s.DB().ExecContext(ctx, `DROP TABLE run_ledger`)
	require.NoError(t, err)

	_, err = s.Transition(ctx, org.ID, "", domain.StageBooked)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Contains(t, buf.String(), "rejection ledger append failed")
}
