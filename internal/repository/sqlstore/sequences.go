package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadengine/internal/domain"
)

const touchColumns = `id, sequence_id, touch_number, scheduled_at, sent_at, status, subject, body,
	external_message_id, failure_count, last_failure`

func scanTouch(r rowScanner, extra ...any) (*domain.EmailTouch, error) {
	var (
		t      domain.EmailTouch
		sentAt sql.NullTime
		status string
	)
	dest := []any{&t.ID, &t.SequenceID, &t.TouchNumber, &t.ScheduledAt, &sentAt, &status, &t.Subject, &t.Body,
		&t.ExternalMessageID, &t.FailureCount, &t.LastFailure}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	t.ScheduledAt = t.ScheduledAt.UTC()
	t.SentAt = timePtr(sentAt)
	t.Status = domain.TouchStatus(status)
	return &t, nil
}

const sequenceColumns = `id, org_id, contact_id, status, personalization_hook, started_at, completed_at`

func scanSequence(r rowScanner) (*domain.EmailSequence, error) {
	var (
		q         domain.EmailSequence
		status    string
		completed sql.NullTime
	)
	if err := r.Scan(&q.ID, &q.OrgID, &q.ContactID, &status, &q.PersonalizationHook, &q.StartedAt, &completed); err != nil {
		return nil, err
	}
	q.Status = domain.SequenceStatus(status)
	q.StartedAt = q.StartedAt.UTC()
	q.CompletedAt = timePtr(completed)
	return &q, nil
}

// Enroll moves a qualified or nurtured organization into in_sequence and
// creates its sequence and touches in one transaction. Re-enrolling from
// nurture closes the paused sequence first.
func (s *Store) Enroll(ctx context.Context, req domain.EnrollRequest) (*domain.EmailSequence, error) {
	offsets := req.Offsets
	if offsets == nil {
		offsets = domain.DefaultTouchOffsets
	}
	touches, err := domain.PlanTouches(req.Content, utc(req.Start), offsets)
	if err != nil {
		return nil, err
	}
	var seq *domain.EmailSequence
	err = s.inTx(ctx, "enroll", func(tx *sql.Tx) error {
		org, err := s.lockOrganization(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		c, err := s.contactOf(ctx, tx, req.OrgID, req.ContactID)
		if err != nil {
			return err
		}
		suppressed, err := s.isSuppressed(ctx, tx, c.Email)
		if err != nil {
			return err
		}
		if suppressed {
			return fmt.Errorf("enroll %s: %w", c.Email, domain.ErrSuppressed)
		}
		if org.Stage == domain.StageNurture {
			if err := s.closeOpenSequences(ctx, tx, org.ID); err != nil {
				return err
			}
		}
		if err := s.applyTransition(ctx, tx, org, "", domain.StageInSequence, ""); err != nil {
			return err
		}
		now := s.clock()
		seq = &domain.EmailSequence{
			ID: uuid.NewString(), OrgID: org.ID, ContactID: c.ID, Status: domain.SequenceActive,
			PersonalizationHook: req.Hook, StartedAt: now,
		}
		_, err = s.exec(ctx, tx, `
			INSERT INTO email_sequences (id, org_id, contact_id, status, personalization_hook, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			seq.ID, seq.OrgID, seq.ContactID, string(seq.Status), seq.PersonalizationHook, seq.StartedAt)
		if err != nil {
			return err
		}
		for i := range touches {
			t := &touches[i]
			t.ID = uuid.NewString()
			t.SequenceID = seq.ID
			_, err = s.exec(ctx, tx, `
				INSERT INTO email_touches (id, sequence_id, touch_number, scheduled_at, status, subject, body)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.SequenceID, t.TouchNumber, t.ScheduledAt, string(t.Status), t.Subject, t.Body)
			if err != nil {
				return err
			}
		}
		seq.Touches = touches
		if _, err := s.exec(ctx, tx,
			`UPDATE organizations SET next_outreach_at = NULL, recontact_note = '' WHERE id = ?`, org.ID); err != nil {
			return err
		}
		return s.appendLedger(ctx, tx, domain.LedgerEntry{
			OrgID: org.ID, SubjectID: seq.ID, Action: domain.ActionEnroll, Outcome: domain.OutcomeApplied,
			Detail: fmt.Sprintf("contact=%s touches=%d", c.ID, len(touches)),
		})
	})
	if err != nil {
		s.ledgerRejection(ctx, domain.ActionEnroll, req.OrgID, req.ContactID, err)
		return nil, err
	}
	return seq, nil
}

// closeOpenSequences cancels every active or paused sequence of an
// organization.
func (s *Store) closeOpenSequences(ctx context.Context, tx *sql.Tx, orgID string) error {
	ids, err := s.openSequenceIDs(ctx, tx, orgID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.cancelSequence(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) openSequenceIDs(ctx context.Context, q querier, orgID string) ([]string, error) {
	rows, err := s.query(ctx, q, `SELECT id FROM email_sequences WHERE org_id = ? AND status IN ('active', 'paused') ORDER BY started_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// pauseOpenSequences pauses every active sequence of an organization. Its
// scheduled touches stay scheduled but are no longer due.
func (s *Store) pauseOpenSequences(ctx context.Context, tx *sql.Tx, orgID string) error {
	_, err := s.exec(ctx, tx, `UPDATE email_sequences SET status = 'paused' WHERE org_id = ? AND status = 'active'`, orgID)
	return err
}

// DueTouches returns, for every active sequence, its lowest-numbered
// scheduled touch when that touch is due at now. Touches addressed to a
// suppressed email or to an organization outside the sending stages are
// never returned.
func (s *Store) DueTouches(ctx context.Context, now time.Time, limit int) ([]domain.DueTouch, error) {
	q := `
		SELECT t.id, t.sequence_id, t.touch_number, t.scheduled_at, t.sent_at, t.status, t.subject, t.body,
			t.external_message_id, t.failure_count, t.last_failure,
			q.org_id, o.domain, c.id, c.email, c.name
		FROM email_touches t
		JOIN email_sequences q ON q.id = t.sequence_id
		JOIN contacts c ON c.id = q.contact_id
		JOIN organizations o ON o.id = q.org_id
		WHERE q.status = 'active'
			AND t.status = 'scheduled'
			AND t.scheduled_at <= ?
			AND o.stage IN ('in_sequence', 'touch_1_sent', 'touch_2_sent', 'touch_3_sent')
			AND o.disqualified = ?
			AND NOT EXISTS (SELECT 1 FROM suppression_list x WHERE x.email = c.email)
			AND NOT EXISTS (
				SELECT 1 FROM email_touches p
				WHERE p.sequence_id = t.sequence_id AND p.status = 'scheduled' AND p.touch_number < t.touch_number)
		ORDER BY t.scheduled_at, t.touch_number, t.id`
	args := []any{utc(now), false}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, wrap("due touches", err)
	}
	defer rows.Close()
	var out []domain.DueTouch
	for rows.Next() {
		var d domain.DueTouch
		t, err := scanTouch(rows, &d.OrgID, &d.OrgDomain, &d.ContactID, &d.ContactEmail, &d.ContactName)
		if err != nil {
			return nil, wrap("due touches: scan", err)
		}
		d.EmailTouch = *t
		out = append(out, d)
	}
	return out, wrap("due touches", rows.Err())
}

// touchContext is a locked touch together with the rows that decide what
// may happen to it.
type touchContext struct {
	touch *domain.EmailTouch
	seq   *domain.EmailSequence
	org   *domain.Organization
	email string
}

func (s *Store) lockTouch(ctx context.Context, tx *sql.Tx, touchID string) (*touchContext, error) {
	t, err := scanTouch(s.queryRow(ctx, tx, `SELECT `+touchColumns+` FROM email_touches WHERE id = ?`+s.forUpdate(), touchID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("touch %s: %w", touchID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	seq, err := scanSequence(s.queryRow(ctx, tx, `SELECT `+sequenceColumns+` FROM email_sequences WHERE id = ?`, t.SequenceID))
	if err != nil {
		return nil, err
	}
	org, err := s.lockOrganization(ctx, tx, seq.OrgID)
	if err != nil {
		return nil, err
	}
	tc := &touchContext{touch: t, seq: seq, org: org}
	if err := s.queryRow(ctx, tx, `SELECT email FROM contacts WHERE id = ?`, seq.ContactID).Scan(&tc.email); err != nil {
		return nil, err
	}
	return tc, nil
}

// MarkSent records a delivered touch. Repeating the call with the same
// external message id is a no-op. Sending a cancelled touch, a touch of a
// closed sequence or a touch to a suppressed email is refused and ledgered.
func (s *Store) MarkSent(ctx context.Context, touchID, externalMessageID string, sentAt time.Time) (*domain.EmailTouch, error) {
	var (
		out   *domain.EmailTouch
		orgID string
	)
	err := s.inTx(ctx, "mark sent", func(tx *sql.Tx) error {
		tc, err := s.lockTouch(ctx, tx, touchID)
		if err != nil {
			return err
		}
		orgID = tc.org.ID
		t := tc.touch
		switch t.Status {
		case domain.TouchSent:
			if t.ExternalMessageID == externalMessageID {
				out = t
				return nil
			}
			return fmt.Errorf("touch %s already sent as %q: %w", touchID, t.ExternalMessageID, domain.ErrConflict)
		case domain.TouchCancelled:
			return fmt.Errorf("touch %s is cancelled: %w", touchID, domain.ErrInvalidTransition)
		}
		if tc.seq.Status != domain.SequenceActive {
			return fmt.Errorf("touch %s: sequence is %s: %w", touchID, tc.seq.Status, domain.ErrInvalidTransition)
		}
		suppressed, err := s.isSuppressed(ctx, tx, tc.email)
		if err != nil {
			return err
		}
		if suppressed {
			return fmt.Errorf("touch %s to %s: %w", touchID, tc.email, domain.ErrSuppressed)
		}

		at := utc(sentAt)
		if _, err := s.exec(ctx, tx,
			`UPDATE email_touches SET status = 'sent', sent_at = ?, external_message_id = ? WHERE id = ?`,
			at, externalMessageID, touchID); err != nil {
			return err
		}
		t.Status, t.SentAt, t.ExternalMessageID = domain.TouchSent, &at, externalMessageID

		if _, err := s.exec(ctx, tx, `UPDATE organizations SET last_outreach_at = ? WHERE id = ?`, at, tc.org.ID); err != nil {
			return err
		}
		if next, ok := domain.TouchSentStage(t.TouchNumber); ok {
			if domain.CheckTransition(tc.org.ID, tc.org.Stage, "", next, domain.TransitionFacts{}) == nil {
				if err := s.applyTransition(ctx, tx, tc.org, "", next, "touch sent"); err != nil {
					return err
				}
			}
		}

		var remaining int
		if err := s.queryRow(ctx, tx,
			`SELECT COUNT(*) FROM email_touches WHERE sequence_id = ? AND status = 'scheduled'`, t.SequenceID).Scan(&remaining); err != nil {
			return err
		}
		if remaining == 0 {
			if _, err := s.exec(ctx, tx,
				`UPDATE email_sequences SET status = 'completed', completed_at = ? WHERE id = ?`, s.clock(), t.SequenceID); err != nil {
				return err
			}
		}
		out = t
		return s.appendLedger(ctx, tx, domain.LedgerEntry{
			OrgID: tc.org.ID, SubjectID: touchID, Action: domain.ActionSendTouch, Outcome: domain.OutcomeApplied,
			IdempotencyKey: "send_touch:" + touchID, Detail: "message_id=" + externalMessageID,
		})
	})
	if err != nil {
		s.ledgerRejection(ctx, domain.ActionSendTouch, orgID, touchID, err)
		return nil, err
	}
	return out, nil
}

// MarkFailed records a failed delivery attempt. The touch stays scheduled
// so a later sweep retries it. A bounce suppresses the address, which in
// turn cancels the touch.
func (s *Store) MarkFailed(ctx context.Context, touchID, reason string, bounce bool) (*domain.EmailTouch, error) {
	var out *domain.EmailTouch
	err := s.inTx(ctx, "mark failed", func(tx *sql.Tx) error {
		tc, err := s.lockTouch(ctx, tx, touchID)
		if err != nil {
			return err
		}
		if tc.touch.Status != domain.TouchScheduled {
			return fmt.Errorf("touch %s is %s: %w", touchID, tc.touch.Status, domain.ErrInvalidTransition)
		}
		if _, err := s.exec(ctx, tx,
			`UPDATE email_touches SET failure_count = failure_count + 1, last_failure = ? WHERE id = ?`,
			reason, touchID); err != nil {
			return err
		}
		if err := s.appendLedger(ctx, tx, domain.LedgerEntry{
			OrgID: tc.org.ID, SubjectID: touchID, Action: domain.ActionSendTouch, Outcome: domain.OutcomeFailed,
			Detail: fmt.Sprintf("%s: %s", domain.ErrExternalFailure, reason),
		}); err != nil {
			return err
		}
		if bounce {
			if _, err := s.addSuppression(ctx, tx, domain.SuppressionEntry{
				Email: tc.email, Reason: reason, Source: domain.SourceBounce,
			}); err != nil {
				return err
			}
		} else if s.maxFailures > 0 && tc.touch.FailureCount+1 >= s.maxFailures {
			n, err := s.cancelSequence(ctx, tx, tc.touch.SequenceID)
			if err != nil {
				return err
			}
			if err := s.appendLedger(ctx, tx, domain.LedgerEntry{
				OrgID: tc.org.ID, SubjectID: tc.touch.SequenceID, Action: domain.ActionCancelSequence,
				Outcome: domain.OutcomeApplied,
				Detail:  fmt.Sprintf("touch %s failed %d times, cancelled_touches=%d", touchID, tc.touch.FailureCount+1, n),
			}); err != nil {
				return err
			}
		}
		out, err = scanTouch(s.queryRow(ctx, tx, `SELECT `+touchColumns+` FROM email_touches WHERE id = ?`, touchID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelRemaining cancels the scheduled touches of a sequence and closes
// it. It returns the number of touches cancelled.
func (s *Store) CancelRemaining(ctx context.Context, sequenceID string) (int, error) {
	var n int
	err := s.inTx(ctx, "cancel remaining", func(tx *sql.Tx) error {
		seq, err := scanSequence(s.queryRow(ctx, tx, `SELECT `+sequenceColumns+` FROM email_sequences WHERE id = ?`+s.forUpdate(), sequenceID))
		if err != nil {
			return err
		}
		n, err = s.cancelSequence(ctx, tx, sequenceID)
		if err != nil {
			return err
		}
		return s.appendLedger(ctx, tx, domain.LedgerEntry{
			OrgID: seq.OrgID, SubjectID: sequenceID, Action: domain.ActionCancelSequence,
			Outcome: domain.OutcomeApplied, Detail: fmt.Sprintf("cancelled_touches=%d", n),
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DueNurture returns nurtured organizations whose recontact date has come.
func (s *Store) DueNurture(ctx context.Context, now time.Time) ([]domain.Organization, error) {
	return s.listOrganizations(ctx, s.db, "due nurture", `
		SELECT `+orgColumns+` FROM organizations
		WHERE stage = 'nurture' AND disqualified = ? AND next_outreach_at IS NOT NULL AND next_outreach_at <= ?
		ORDER BY next_outreach_at, id`, false, utc(now))
}

// GetTouch loads a touch by id.
func (s *Store) GetTouch(ctx context.Context, id string) (*domain.EmailTouch, error) {
	t, err := scanTouch(s.queryRow(ctx, s.db, `SELECT `+touchColumns+` FROM email_touches WHERE id = ?`, id))
	if err != nil {
		return nil, wrap("get touch", err)
	}
	return t, nil
}

// GetSequence loads a sequence with its touches.
func (s *Store) GetSequence(ctx context.Context, id string) (*domain.EmailSequence, error) {
	seq, err := scanSequence(s.queryRow(ctx, s.db, `SELECT `+sequenceColumns+` FROM email_sequences WHERE id = ?`, id))
	if err != nil {
		return nil, wrap("get sequence", err)
	}
	if seq.Touches, err = s.listTouches(ctx, seq.ID); err != nil {
		return nil, err
	}
	return seq, nil
}

// ListSequences returns the sequences of an organization, oldest first,
// with their touches.
func (s *Store) ListSequences(ctx context.Context, orgID string) ([]domain.EmailSequence, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+sequenceColumns+` FROM email_sequences WHERE org_id = ? ORDER BY started_at, id`, orgID)
	if err != nil {
		return nil, wrap("list sequences", err)
	}
	var out []domain.EmailSequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			rows.Close()
			return nil, wrap("list sequences: scan", err)
		}
		out = append(out, *seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("list sequences", err)
	}
	for i := range out {
		if out[i].Touches, err = s.listTouches(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) listTouches(ctx context.Context, seqID string) ([]domain.EmailTouch, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+touchColumns+` FROM email_touches WHERE sequence_id = ? ORDER BY touch_number`, seqID)
	if err != nil {
		return nil, wrap("list touches", err)
	}
	defer rows.Close()
	var out []domain.EmailTouch
	for rows.Next() {
		t, err := scanTouch(rows)
		if err != nil {
			return nil, wrap("list touches: scan", err)
		}
		out = append(out, *t)
	}
	return out, wrap("list touches", rows.Err())
}

// OpenSequenceContacts returns the distinct contacts of an organization's
// active or paused sequences.
func (s *Store) OpenSequenceContacts(ctx context.Context, orgID string) ([]string, error) {
	return s.stringColumn(ctx, "open sequence contacts",
		`SELECT DISTINCT contact_id FROM email_sequences WHERE org_id = ? AND status IN ('active', 'paused') ORDER BY contact_id`, orgID)
}

// contactOf loads a contact inside tx and checks that it belongs to orgID.
func (s *Store) contactOf(ctx context.Context, tx *sql.Tx, orgID, contactID string) (*domain.Contact, error) {
	c, err := scanContact(s.queryRow(ctx, tx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, contactID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("contact %s: %w", contactID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if c.OrgID != orgID {
		return nil, fmt.Errorf("contact %s is not a contact of organization %s: %w", contactID, orgID, domain.ErrUnresolvedReference)
	}
	return c, nil
}

// touchOf checks that touchID was sent to contactID on behalf of orgID.
func (s *Store) touchOf(ctx context.Context, tx *sql.Tx, orgID, contactID, touchID string) error {
	var seqOrg, seqContact string
	err := s.queryRow(ctx, tx, `
		SELECT q.org_id, q.contact_id
		FROM email_touches t JOIN email_sequences q ON q.id = t.sequence_id
		WHERE t.id = ?`, touchID).Scan(&seqOrg, &seqContact)
	if err == sql.ErrNoRows {
		return fmt.Errorf("touch %s: %w", touchID, domain.ErrUnresolvedReference)
	}
	if err != nil {
		return err
	}
	if seqOrg != orgID || seqContact != contactID {
		return fmt.Errorf("touch %s was not sent to contact %s of organization %s: %w",
			touchID, contactID, orgID, domain.ErrUnresolvedReference)
	}
	return nil
}

// callOf checks that callID was recorded for orgID.
func (s *Store) callOf(ctx context.Context, tx *sql.Tx, orgID, callID string) error {
	var callOrg string
	err := s.queryRow(ctx, tx, `SELECT org_id FROM call_records WHERE id = ?`, callID).Scan(&callOrg)
	if err == sql.ErrNoRows {
		return fmt.Errorf("call %s: %w", callID, domain.ErrUnresolvedReference)
	}
	if err != nil {
		return err
	}
	if callOrg != orgID {
		return fmt.Errorf("call %s belongs to another organization: %w", callID, domain.ErrUnresolvedReference)
	}
	return nil
}
