package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/leadengine/internal/domain"
)

const ledgerColumns = `id, run_id, org_id, subject_id, action, outcome, idempotency_key, detail, created_at, published_at`

func scanLedger(r rowScanner) (*domain.LedgerEntry, error) {
	var (
		e              domain.LedgerEntry
		runID, key     sql.NullString
		action, result string
		published      sql.NullTime
	)
	if err := r.Scan(&e.ID, &runID, &e.OrgID, &e.SubjectID, &action, &result, &key, &e.Detail, &e.CreatedAt, &published); err != nil {
		return nil, err
	}
	e.RunID = runID.String
	e.IdempotencyKey = key.String
	e.Action = domain.LedgerAction(action)
	e.Outcome = domain.LedgerOutcome(result)
	e.CreatedAt = e.CreatedAt.UTC()
	e.PublishedAt = timePtr(published)
	return &e, nil
}

// appendLedger writes one entry inside tx. An entry whose idempotency key
// already exists is dropped silently.
func (s *Store) appendLedger(ctx context.Context, q querier, e domain.LedgerEntry) error {
	_, err := s.insertLedger(ctx, q, e)
	return err
}

func (s *Store) insertLedger(ctx context.Context, q querier, e domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if e.RunID == "" {
		e.RunID = domain.RunIDFrom(ctx)
	}
	e.CreatedAt = s.clock()
	err := s.queryRow(ctx, q, `
		INSERT INTO run_ledger (run_id, org_id, subject_id, action, outcome, idempotency_key, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		nullString(e.RunID), e.OrgID, e.SubjectID, string(e.Action), string(e.Outcome),
		nullString(e.IdempotencyKey), e.Detail, e.CreatedAt).Scan(&e.ID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// AppendLedger records an attempted action. When the idempotency key was
// already used the existing entry is returned with inserted=false.
func (s *Store) AppendLedger(ctx context.Context, e domain.LedgerEntry) (entry *domain.LedgerEntry, inserted bool, err error) {
	if e.Action == "" || e.Outcome == "" {
		return nil, false, &domain.ValidationError{Field: "ledger", Reason: "action and outcome are required"}
	}
	err = s.inTx(ctx, "append ledger", func(tx *sql.Tx) error {
		entry, err = s.insertLedger(ctx, tx, e)
		if err != nil {
			return err
		}
		if entry != nil {
			inserted = true
			return nil
		}
		entry, err = scanLedger(s.queryRow(ctx, tx, `SELECT `+ledgerColumns+` FROM run_ledger WHERE idempotency_key = ?`, e.IdempotencyKey))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return entry, inserted, nil
}

// HasLedgerKey reports whether an entry with the idempotency key exists.
func (s *Store) HasLedgerKey(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM run_ledger WHERE idempotency_key = ?`, key).Scan(&n)
	if err != nil {
		return false, wrap("has ledger key", err)
	}
	return n > 0, nil
}

// ListLedger returns entries newest first.
func (s *Store) ListLedger(ctx context.Context, f domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, f.OrgID)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	q := `SELECT ` + ledgerColumns + ` FROM run_ledger`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)
	return s.listLedger(ctx, "list ledger", q, args...)
}

// UnpublishedLedger returns the oldest entries not yet relayed.
func (s *Store) UnpublishedLedger(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listLedger(ctx, "unpublished ledger",
		`SELECT `+ledgerColumns+` FROM run_ledger WHERE published_at IS NULL ORDER BY id LIMIT ?`, limit)
}

func (s *Store) listLedger(ctx context.Context, op, query string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, wrap(op+": scan", err)
		}
		out = append(out, *e)
	}
	return out, wrap(op, rows.Err())
}

// MarkLedgerPublished stamps entries as relayed.
func (s *Store) MarkLedgerPublished(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{utc(at)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.exec(ctx, s.db,
		`UPDATE run_ledger SET published_at = ? WHERE published_at IS NULL AND id IN (`+placeholders(len(ids))+`)`, args...)
	return wrap("mark ledger published", err)
}

// StartRun opens a pipeline run.
func (s *Store) StartRun(ctx context.Context, command string) (*domain.Run, error) {
	r := &domain.Run{ID: uuid.NewString(), Command: command, Status: domain.RunRunning, StartedAt: s.clock()}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO pipeline_runs (id, command, status, summary, started_at) VALUES (?, ?, ?, '', ?)`,
		r.ID, r.Command, string(r.Status), r.StartedAt)
	if err != nil {
		return nil, wrap("start run", err)
	}
	return r, nil
}

// FinishRun closes a run with its final status.
func (s *Store) FinishRun(ctx context.Context, runID string, status domain.RunStatus, summary string) error {
	switch status {
	case domain.RunSucceeded, domain.RunPartial, domain.RunFailed:
	default:
		return &domain.ValidationError{Field: "run_status", Reason: fmt.Sprintf("cannot finish with %q", status)}
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE pipeline_runs SET status = ?, summary = ?, finished_at = ? WHERE id = ? AND status = ?`,
		string(status), summary, s.clock(), runID, string(domain.RunRunning))
	if err != nil {
		return wrap("finish run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var (
		r        domain.Run
		status   string
		finished sql.NullTime
	)
	err := s.queryRow(ctx, s.db, `SELECT id, command, status, summary, started_at, finished_at FROM pipeline_runs WHERE id = ?`, runID).
		Scan(&r.ID, &r.Command, &status, &r.Summary, &r.StartedAt, &finished)
	if err != nil {
		return nil, wrap("get run", err)
	}
	r.Status = domain.RunStatus(status)
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = timePtr(finished)
	return &r, nil
}

// recordOutcome writes conversion feedback for an organization reaching a
// conversion stage.
func (s *Store) recordOutcome(ctx context.Context, tx *sql.Tx, org *domain.Organization, stage domain.Stage, now time.Time) error {
	rows, err := s.query(ctx, tx, `
		SELECT t.touch_number, t.sent_at
		FROM email_touches t JOIN email_sequences q ON q.id = t.sequence_id
		WHERE q.org_id = ? AND t.status = 'sent'`, org.ID)
	if err != nil {
		return err
	}
	var (
		touch     sql.NullInt64
		firstSent sql.NullTime
	)
	for rows.Next() {
		var (
			n      int64
			sentAt sql.NullTime
		)
		if err := rows.Scan(&n, &sentAt); err != nil {
			rows.Close()
			return err
		}
		if !touch.Valid || n > touch.Int64 {
			touch = sql.NullInt64{Int64: n, Valid: true}
		}
		if sentAt.Valid && (!firstSent.Valid || sentAt.Time.Before(firstSent.Time)) {
			firstSent = sentAt
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	var days *int
	if firstSent.Valid {
		d := int(now.Sub(firstSent.Time).Hours() / 24)
		days = &d
	}
	_, err = s.exec(ctx, tx, `
		INSERT INTO outcome_feedback (id, org_id, conversion_event, score_at_time, touch_number, days_since_first_touch, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), org.ID, string(stage), nullInt(org.ScoreTotal), touch, nullInt(days), now)
	return err
}

// ListOutcomeFeedback returns the conversion events of an organization.
func (s *Store) ListOutcomeFeedback(ctx context.Context, orgID string) ([]domain.OutcomeFeedback, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, org_id, conversion_event, score_at_time, touch_number, days_since_first_touch, created_at
		FROM outcome_feedback WHERE org_id = ? ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, wrap("list outcome feedback", err)
	}
	defer rows.Close()
	var out []domain.OutcomeFeedback
	for rows.Next() {
		var (
			f                  domain.OutcomeFeedback
			event              string
			score, touch, days sql.NullInt64
		)
		if err := rows.Scan(&f.ID, &f.OrgID, &event, &score, &touch, &days, &f.CreatedAt); err != nil {
			return nil, wrap("list outcome feedback: scan", err)
		}
		f.ConversionEvent = domain.Stage(event)
		f.ScoreAtTime = intPtr(score)
		f.TouchNumber = intPtr(touch)
		f.DaysSinceFirstTouch = intPtr(days)
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	return out, wrap("list outcome feedback", rows.Err())
}

// RecordAPICall stores one collaborator request. The run id defaults to
// the one carried by ctx.
func (s *Store) RecordAPICall(ctx context.Context, c domain.APICall) error {
	if c.Service == "" {
		return &domain.ValidationError{Field: "service", Reason: "is required"}
	}
	if c.RunID == "" {
		c.RunID = domain.RunIDFrom(ctx)
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO api_calls (id, run_id, service, operation, success, status_code, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), nullString(c.RunID), c.Service, c.Operation, c.Success,
		c.StatusCode, c.Duration.Milliseconds(), s.clock())
	return wrap("record api call", err)
}

// ListAPICalls returns the calls made under a run, oldest first. An empty
// runID lists the most recent calls of any run.
func (s *Store) ListAPICalls(ctx context.Context, runID string, limit int) ([]domain.APICall, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, run_id, service, operation, success, status_code, duration_ms, created_at FROM api_calls`
	var args []any
	if runID != "" {
		q += ` WHERE run_id = ? ORDER BY created_at, id LIMIT ?`
		args = append(args, runID, limit)
	} else {
		q += ` ORDER BY created_at DESC, id LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, wrap("list api calls", err)
	}
	defer rows.Close()
	var out []domain.APICall
	for rows.Next() {
		var (
			c     domain.APICall
			run   sql.NullString
			durMS int64
		)
		if err := rows.Scan(&c.ID, &run, &c.Service, &c.Operation, &c.Success, &c.StatusCode, &durMS, &c.CreatedAt); err != nil {
			return nil, wrap("list api calls: scan", err)
		}
		c.RunID = run.String
		c.Duration = time.Duration(durMS) * time.Millisecond
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, wrap("list api calls", rows.Err())
}
