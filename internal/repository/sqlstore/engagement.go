package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadengine/internal/domain"
)

// RecordReply stores a classified reply and applies its effects in one
// transaction:
//
//	INTERESTED   cancel open sequences, move to replied_interested
//	NURTURE      pause sequences, store the recontact date, move to nurture
//	NOT_FIT      pause sequences, move to closed_lost
//	UNSUBSCRIBE  suppress the contact email, move to unsubscribed
//
// An organization already in the target stage keeps it. An unsubscribe
// from an organization that cannot move to unsubscribed still suppresses
// the address.
func (s *Store) RecordReply(ctx context.Context, in domain.ReplyInput) (*domain.ReplyResult, error) {
	cls := in.Classification
	class, err := domain.ParseReplyClassification(string(cls.Class))
	if err != nil {
		return nil, err
	}
	cls.Class = class
	if err := cls.Validate(); err != nil {
		return nil, err
	}
	received := in.ReceivedAt
	if received.IsZero() {
		received = s.clock()
	}
	res := &domain.ReplyResult{}
	err = s.inTx(ctx, "record reply", func(tx *sql.Tx) error {
		org, err := s.lockOrganization(ctx, tx, in.OrgID)
		if err != nil {
			return err
		}
		c, err := s.contactOf(ctx, tx, in.OrgID, in.ContactID)
		if err != nil {
			return err
		}
		if in.TouchID != nil {
			if err := s.touchOf(ctx, tx, org.ID, c.ID, *in.TouchID); err != nil {
				return err
			}
		}
		reply := domain.InboundReply{
			ID: uuid.NewString(), OrgID: org.ID, ContactID: c.ID, TouchID: in.TouchID, Text: in.Text,
			Classification: cls.Class, Reasoning: cls.Reasoning, KeyPhrase: cls.KeyPhrase,
			RecontactAt: utcPtr(cls.RecontactAt), RecontactNote: cls.RecontactNote, ReceivedAt: utc(received),
		}
		_, err = s.exec(ctx, tx, `
			INSERT INTO inbound_replies (id, org_id, contact_id, touch_id, reply_text, classification, reasoning,
				key_phrase, recontact_at, recontact_note, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			reply.ID, reply.OrgID, reply.ContactID, nullStringPtr(reply.TouchID), reply.Text, string(reply.Classification),
			reply.Reasoning, reply.KeyPhrase, nullTime(reply.RecontactAt), reply.RecontactNote, reply.ReceivedAt)
		if err != nil {
			return err
		}
		res.Reply = reply

		target := cls.Class.TargetStage()
		switch cls.Class {
		case domain.ReplyInterested:
			ids, err := s.openSequenceIDs(ctx, tx, org.ID)
			if err != nil {
				return err
			}
			for _, id := range ids {
				n, err := s.cancelSequence(ctx, tx, id)
				if err != nil {
					return err
				}
				res.CancelledTouches += n
			}
		case domain.ReplyNurture:
			if err := s.pauseOpenSequences(ctx, tx, org.ID); err != nil {
				return err
			}
			if _, err := s.exec(ctx, tx, `UPDATE organizations SET next_outreach_at = ?, recontact_note = ? WHERE id = ?`,
				nullTime(reply.RecontactAt), reply.RecontactNote, org.ID); err != nil {
				return err
			}
			org.NextOutreachAt, org.RecontactNote = reply.RecontactAt, reply.RecontactNote
		case domain.ReplyNotFit:
			if err := s.pauseOpenSequences(ctx, tx, org.ID); err != nil {
				return err
			}
		case domain.ReplyUnsubscribe:
			sup, err := s.addSuppression(ctx, tx, domain.SuppressionEntry{
				Email: c.Email, Reason: "unsubscribe reply", Source: domain.SourceUnsubscribeReply,
			})
			if err != nil {
				return err
			}
			res.Suppression = sup
			res.CancelledTouches = sup.CancelledTouches
			if domain.CheckTransition(org.ID, org.Stage, "", target, domain.TransitionFacts{}) != nil {
				target = org.Stage
			}
		}

		if org.Stage != target {
			if err := s.applyTransition(ctx, tx, org, "", target, "reply "+string(cls.Class)); err != nil {
				return err
			}
		}
		res.Organization = *org
		return s.appendLedger(ctx, tx, domain.LedgerEntry{
			OrgID: org.ID, SubjectID: reply.ID, Action: domain.ActionReply, Outcome: domain.OutcomeApplied,
			Detail: fmt.Sprintf("classification=%s cancelled_touches=%d", cls.Class, res.CancelledTouches),
		})
	})
	if err != nil {
		s.ledgerRejection(ctx, domain.ActionReply, in.OrgID, in.ContactID, err)
		return nil, err
	}
	return res, nil
}

// RecordCall stores a call record. With permission granted the
// organization moves through call_permission_granted to call_attempted
// and a suppressed contact is refused. Without permission the call is
// stored as skipped and the stage is left for the fallback booking path.
func (s *Store) RecordCall(ctx context.Context, in domain.CallInput) (*domain.CallRecord, *domain.Organization, error) {
	status := domain.CallSkipped
	if in.PermissionGranted {
		st, err := domain.ParseCallStatus(string(in.Status))
		if err != nil {
			return nil, nil, err
		}
		if st == domain.CallSkipped {
			return nil, nil, &domain.ValidationError{Field: "call_status", Reason: "skipped requires permission not granted"}
		}
		status = st
	}
	var (
		rec *domain.CallRecord
		org *domain.Organization
	)
	err := s.inTx(ctx, "record call", func(tx *sql.Tx) error {
		o, err := s.lockOrganization(ctx, tx, in.OrgID)
		if err != nil {
			return err
		}
		c, err := s.contactOf(ctx, tx, in.OrgID, in.ContactID)
		if err != nil {
			return err
		}
		if in.PermissionGranted {
			suppressed, err := s.isSuppressed(ctx, tx, c.Email)
			if err != nil {
				return err
			}
			if suppressed {
				return fmt.Errorf("call %s: %w", c.Email, domain.ErrSuppressed)
			}
			if o.Stage == domain.StageCallPermissionSent {
				if err := s.applyTransition(ctx, tx, o, "", domain.StageCallPermissionGranted, ""); err != nil {
					return err
				}
			}
			// A repeated attempt leaves the stage at call_attempted.
			if o.Stage != domain.StageCallAttempted {
				if err := s.applyTransition(ctx, tx, o, domain.StageCallPermissionGranted, domain.StageCallAttempted, string(status)); err != nil {
					return err
				}
			}
		} else if o.Stage != domain.StageCallPermissionSent {
			return &domain.TransitionError{
				OrgID: o.ID, Current: o.Stage, Target: domain.StageCallPermissionSent,
				Reason: "a skipped call requires a pending permission request",
			}
		}
		rec = &domain.CallRecord{
			ID: uuid.NewString(), OrgID: o.ID, ContactID: c.ID, PermissionGranted: in.PermissionGranted,
			ExternalCallID: in.ExternalCallID, Status: status, Transcript: in.Transcript,
			AgreedSlot: in.AgreedSlot, Notes: in.Notes, CreatedAt: s.clock(),
		}
		_, err = s.exec(ctx, tx, `
			INSERT INTO call_records (id, org_id, contact_id, permission_granted, external_call_id, call_status,
				transcript, agreed_slot, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.OrgID, rec.ContactID, rec.PermissionGranted, rec.ExternalCallID, string(rec.Status),
			rec.Transcript, rec.AgreedSlot, rec.Notes, rec.CreatedAt)
		if err != nil {
			return err
		}
		org = o
		return s.appendLedger(ctx, tx, domain.LedgerEntry{
			OrgID: o.ID, SubjectID: rec.ID, Action: domain.ActionCall, Outcome: domain.OutcomeApplied,
			Detail: fmt.Sprintf("status=%s permission=%t", status, in.PermissionGranted),
		})
	})
	if err != nil {
		s.ledgerRejection(ctx, domain.ActionCall, in.OrgID, in.ContactID, err)
		return nil, nil, err
	}
	return rec, org, nil
}

const meetingColumns = `id, org_id, contact_id, call_record_id, external_event_id, meet_link,
	scheduled_start, scheduled_end, timezone, status, created_at`

func scanMeeting(r rowScanner) (*domain.Meeting, error) {
	var (
		m      domain.Meeting
		callID sql.NullString
		status string
	)
	err := r.Scan(&m.ID, &m.OrgID, &m.ContactID, &callID, &m.ExternalEventID, &m.MeetLink,
		&m.ScheduledStart, &m.ScheduledEnd, &m.Timezone, &status, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if callID.Valid {
		m.CallRecordID = &callID.String
	}
	m.Status = domain.MeetingStatus(status)
	m.ScheduledStart = m.ScheduledStart.UTC()
	m.ScheduledEnd = m.ScheduledEnd.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// RecordMeeting stores a confirmed meeting and moves the organization to
// booked. The booking guard reads the latest call record in the same
// transaction, so a meeting can only follow a booked or unanswered call,
// or a skipped one on the fallback path.
func (s *Store) RecordMeeting(ctx context.Context, m domain.Meeting) (*domain.Meeting, *domain.Organization, error) {
	if err := m.Validate(); err != nil {
		return nil, nil, err
	}
	var org *domain.Organization
	err := s.inTx(ctx, "record meeting", func(tx *sql.Tx) error {
		o, err := s.lockOrganization(ctx, tx, m.OrgID)
		if err != nil {
			return err
		}
		if _, err := s.contactOf(ctx, tx, m.OrgID, m.ContactID); err != nil {
			return err
		}
		if m.CallRecordID != nil {
			if err := s.callOf(ctx, tx, o.ID, *m.CallRecordID); err != nil {
				return err
			}
		} else {
			var callID string
			err := s.queryRow(ctx, tx,
				`SELECT id FROM call_records WHERE org_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, o.ID).Scan(&callID)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if callID != "" {
				m.CallRecordID = &callID
			}
		}
		if err := s.applyTransition(ctx, tx, o, "", domain.StageBooked, ""); err != nil {
			return err
		}
		m.ID = uuid.NewString()
		m.Status = domain.MeetingConfirmed
		m.ScheduledStart, m.ScheduledEnd = utc(m.ScheduledStart), utc(m.ScheduledEnd)
		m.CreatedAt = s.clock()
		_, err = s.exec(ctx, tx, `
			INSERT INTO meetings (id, org_id, contact_id, call_record_id, external_event_id, meet_link,
				scheduled_start, scheduled_end, timezone, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.OrgID, m.ContactID, nullStringPtr(m.CallRecordID), m.ExternalEventID, m.MeetLink,
			m.ScheduledStart, m.ScheduledEnd, m.Timezone, string(m.Status), m.CreatedAt)
		if err != nil {
			return err
		}
		org = o
		return s.appendLedger(ctx, tx, domain.LedgerEntry{
			OrgID: o.ID, SubjectID: m.ID, Action: domain.ActionMeeting, Outcome: domain.OutcomeApplied,
			Detail: fmt.Sprintf("start=%s tz=%s", m.ScheduledStart.Format(time.RFC3339), m.Timezone),
		})
	})
	if err != nil {
		s.ledgerRejection(ctx, domain.ActionMeeting, m.OrgID, m.ContactID, err)
		return nil, nil, err
	}
	return &m, org, nil
}

// SetMeetingStatus records what happened to a meeting. A completed meeting
// moves the organization to meeting_held.
func (s *Store) SetMeetingStatus(ctx context.Context, meetingID string, status domain.MeetingStatus) (*domain.Meeting, *domain.Organization, error) {
	if _, err := domain.ParseMeetingStatus(string(status)); err != nil {
		return nil, nil, err
	}
	var (
		m   *domain.Meeting
		org *domain.Organization
	)
	err := s.inTx(ctx, "set meeting status", func(tx *sql.Tx) error {
		var err error
		m, err = scanMeeting(s.queryRow(ctx, tx, `SELECT `+meetingColumns+` FROM meetings WHERE id = ?`+s.forUpdate(), meetingID))
		if err != nil {
			return err
		}
		o, err := s.lockOrganization(ctx, tx, m.OrgID)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `UPDATE meetings SET status = ? WHERE id = ?`, string(status), meetingID); err != nil {
			return err
		}
		m.Status = status
		if status == domain.MeetingCompleted && o.Stage != domain.StageMeetingHeld {
			if err := s.applyTransition(ctx, tx, o, "", domain.StageMeetingHeld, ""); err != nil {
				return err
			}
		}
		org = o
		return s.appendLedger(ctx, tx, domain.LedgerEntry{
			OrgID: o.ID, SubjectID: meetingID, Action: domain.ActionMeeting, Outcome: domain.OutcomeApplied,
			Detail: "status=" + string(status),
		})
	})
	if err != nil {
		s.ledgerRejection(ctx, domain.ActionMeeting, "", meetingID, err)
		return nil, nil, err
	}
	return m, org, nil
}

// OrgHistory returns an organization with every reply, call and meeting
// recorded for it, oldest first.
func (s *Store) OrgHistory(ctx context.Context, orgID string) (*domain.OrgHistory, error) {
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	h := &domain.OrgHistory{Organization: *org}

	rows, err := s.query(ctx, s.db, `
		SELECT id, org_id, contact_id, touch_id, reply_text, classification, reasoning, key_phrase,
			recontact_at, recontact_note, received_at
		FROM inbound_replies WHERE org_id = ? ORDER BY received_at, id`, orgID)
	if err != nil {
		return nil, wrap("org history: replies", err)
	}
	for rows.Next() {
		var (
			r         domain.InboundReply
			touchID   sql.NullString
			class     string
			recontact sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.OrgID, &r.ContactID, &touchID, &r.Text, &class, &r.Reasoning, &r.KeyPhrase,
			&recontact, &r.RecontactNote, &r.ReceivedAt); err != nil {
			rows.Close()
			return nil, wrap("org history: scan reply", err)
		}
		if touchID.Valid {
			r.TouchID = &touchID.String
		}
		r.Classification = domain.ReplyClassification(class)
		r.RecontactAt = timePtr(recontact)
		r.ReceivedAt = r.ReceivedAt.UTC()
		h.Replies = append(h.Replies, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("org history: replies", err)
	}

	rows, err = s.query(ctx, s.db, `
		SELECT id, org_id, contact_id, permission_granted, external_call_id, call_status, transcript,
			agreed_slot, notes, created_at
		FROM call_records WHERE org_id = ? ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, wrap("org history: calls", err)
	}
	for rows.Next() {
		var (
			c      domain.CallRecord
			status string
		)
		if err := rows.Scan(&c.ID, &c.OrgID, &c.ContactID, &c.PermissionGranted, &c.ExternalCallID, &status,
			&c.Transcript, &c.AgreedSlot, &c.Notes, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, wrap("org history: scan call", err)
		}
		c.Status = domain.CallStatus(status)
		c.CreatedAt = c.CreatedAt.UTC()
		h.Calls = append(h.Calls, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("org history: calls", err)
	}

	rows, err = s.query(ctx, s.db, `SELECT `+meetingColumns+` FROM meetings WHERE org_id = ? ORDER BY scheduled_start, id`, orgID)
	if err != nil {
		return nil, wrap("org history: meetings", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, wrap("org history: scan meeting", err)
		}
		h.Meetings = append(h.Meetings, *m)
	}
	return h, wrap("org history: meetings", rows.Err())
}

// GetMeeting loads a meeting by id.
func (s *Store) GetMeeting(ctx context.Context, id string) (*domain.Meeting, error) {
	m, err := scanMeeting(s.queryRow(ctx, s.db, `SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id))
	if err != nil {
		return nil, wrap("get meeting", err)
	}
	return m, nil
}
