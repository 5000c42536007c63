package sqlstore

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/ignite/leadengine/internal/domain"
)

const eventColumns = `id, org_id, event_name, event_type, event_date, event_date_approximate, event_date_notes,
	estimated_attendees, registration_url, is_recurring, recurrence_period, created_at, updated_at`

func scanEvent(r rowScanner) (*domain.Event, error) {
	var (
		e         domain.Event
		date      sql.NullTime
		attendees sql.NullInt64
		period    string
	)
	err := r.Scan(&e.ID, &e.OrgID, &e.Name, &e.Type, &date, &e.DateApproximate, &e.DateNotes,
		&attendees, &e.RegistrationURL, &e.IsRecurring, &period, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if date.Valid {
		d := domain.Day(date.Time)
		e.Date = &d
	}
	e.EstimatedAttendees = intPtr(attendees)
	e.RecurrencePeriod = domain.RecurrencePeriod(period)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

// UpsertEvent merges an event on (organization, event name). A candidate
// without a date keeps a stored date.
func (s *Store) UpsertEvent(ctx context.Context, orgID string, c domain.EventCandidate) (*domain.Event, error) {
	if err := c.Normalize(); err != nil {
		return nil, err
	}
	now := s.clock()
	var ev *domain.Event
	err := s.inTx(ctx, "upsert event", func(tx *sql.Tx) error {
		if _, err := s.lockOrganization(ctx, tx, orgID); err != nil {
			return err
		}
		var got string
		err := s.queryRow(ctx, tx, `
			INSERT INTO events (id, org_id, event_name, event_type, event_date, event_date_approximate, event_date_notes,
				estimated_attendees, registration_url, is_recurring, recurrence_period, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (org_id, event_name) DO UPDATE SET
				event_type = CASE WHEN excluded.event_type <> '' THEN excluded.event_type ELSE events.event_type END,
				event_date = COALESCE(excluded.event_date, events.event_date),
				event_date_approximate = CASE WHEN excluded.event_date IS NOT NULL THEN excluded.event_date_approximate ELSE events.event_date_approximate END,
				event_date_notes = CASE WHEN excluded.event_date_notes <> '' THEN excluded.event_date_notes ELSE events.event_date_notes END,
				estimated_attendees = COALESCE(excluded.estimated_attendees, events.estimated_attendees),
				registration_url = CASE WHEN excluded.registration_url <> '' THEN excluded.registration_url ELSE events.registration_url END,
				is_recurring = (events.is_recurring OR excluded.is_recurring),
				recurrence_period = CASE WHEN excluded.recurrence_period <> '' THEN excluded.recurrence_period ELSE events.recurrence_period END,
				updated_at = excluded.updated_at
			RETURNING id`,
			uuid.NewString(), orgID, c.Name, c.Type, nullTime(c.Date), c.DateApproximate, c.DateNotes,
			nullInt(c.EstimatedAttendees), c.RegistrationURL, c.IsRecurring, string(c.RecurrencePeriod), now, now).Scan(&got)
		if err != nil {
			return err
		}
		ev, err = scanEvent(s.queryRow(ctx, tx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, got))
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvents returns the events of one organization.
func (s *Store) ListEvents(ctx context.Context, orgID string) ([]domain.Event, error) {
	return s.listEvents(ctx, "list events",
		`SELECT `+eventColumns+` FROM events WHERE org_id = ? ORDER BY event_date, event_name`, orgID)
}

// ListActiveEvents returns the events of every organization that is not
// disqualified.
func (s *Store) ListActiveEvents(ctx context.Context) ([]domain.Event, error) {
	return s.listEvents(ctx, "list active events", `
		SELECT e.id, e.org_id, e.event_name, e.event_type, e.event_date, e.event_date_approximate, e.event_date_notes,
			e.estimated_attendees, e.registration_url, e.is_recurring, e.recurrence_period, e.created_at, e.updated_at
		FROM events e JOIN organizations o ON o.id = e.org_id
		WHERE o.disqualified = ?
		ORDER BY e.org_id, e.event_date, e.event_name`, false)
}

func (s *Store) listEvents(ctx context.Context, op, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrap(op+": scan", err)
		}
		out = append(out, *e)
	}
	return out, wrap(op, rows.Err())
}
