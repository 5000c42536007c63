package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/leadengine/internal/domain"
)

func (s *Store) isSuppressed(ctx context.Context, q querier, email string) (bool, error) {
	var n int
	if err := s.queryRow(ctx, q, `SELECT COUNT(*) FROM suppression_list WHERE email = ?`, email).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsSuppressed reports whether email is on the suppression list. Any read
// failure is returned so that callers fail closed.
func (s *Store) IsSuppressed(ctx context.Context, email string) (bool, error) {
	ok, err := s.isSuppressed(ctx, s.db, email)
	if err != nil {
		return false, wrap("is suppressed", err)
	}
	return ok, nil
}

// AddSuppression records a permanent block on e.Email. In the same
// transaction every scheduled touch addressed to that email is cancelled
// and its sequence closed. Adding an existing email keeps the original
// entry and reports Created=false; pending touches are still swept.
func (s *Store) AddSuppression(ctx context.Context, e domain.SuppressionEntry) (*domain.SuppressionResult, error) {
	var res *domain.SuppressionResult
	err := s.inTx(ctx, "add suppression", func(tx *sql.Tx) error {
		var err error
		res, err = s.addSuppression(ctx, tx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) addSuppression(ctx context.Context, tx *sql.Tx, e domain.SuppressionEntry) (*domain.SuppressionResult, error) {
	email, err := domain.NormalizeEmail(e.Email)
	if err != nil {
		return nil, err
	}
	if !e.Source.Valid() {
		return nil, &domain.ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", e.Source)}
	}
	e.Email = email
	if e.Domain == "" {
		e.Domain = domain.EmailDomain(email)
	}
	e.CreatedAt = s.clock()

	res := &domain.SuppressionResult{}
	r, err := s.exec(ctx, tx, `
		INSERT INTO suppression_list (email, domain, reason, source, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (email) DO NOTHING`,
		e.Email, e.Domain, e.Reason, string(e.Source), e.CreatedAt)
	if err != nil {
		return nil, err
	}
	n, _ := r.RowsAffected()
	res.Created = n > 0

	stored, err := scanSuppression(s.queryRow(ctx, tx, `SELECT email, domain, reason, source, created_at FROM suppression_list WHERE email = ?`, e.Email))
	if err != nil {
		return nil, err
	}
	res.Entry = *stored

	cancelled, err := s.cancelForEmail(ctx, tx, e.Email)
	if err != nil {
		return nil, err
	}
	res.CancelledTouches = cancelled

	orgID := ""
	if err := s.queryRow(ctx, tx, `SELECT org_id FROM contacts WHERE email = ?`, e.Email).Scan(&orgID); err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	outcome := domain.OutcomeApplied
	if !res.Created {
		outcome = domain.OutcomeSkipped
	}
	err = s.appendLedger(ctx, tx, domain.LedgerEntry{
		OrgID: orgID, SubjectID: e.Email, Action: domain.ActionSuppress, Outcome: outcome,
		Detail: fmt.Sprintf("source=%s cancelled_touches=%d", e.Source, cancelled),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// cancelForEmail cancels the scheduled touches and open sequences of every
// contact with the given email.
func (s *Store) cancelForEmail(ctx context.Context, tx *sql.Tx, email string) (int, error) {
	rows, err := s.query(ctx, tx, `
		SELECT q.id FROM email_sequences q JOIN contacts c ON c.id = q.contact_id
		WHERE c.email = ? AND q.status IN ('active', 'paused')`, email)
	if err != nil {
		return 0, err
	}
	var seqIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		seqIDs = append(seqIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	total := 0
	for _, id := range seqIDs {
		n, err := s.cancelSequence(ctx, tx, id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// cancelSequence cancels the scheduled touches of a sequence and marks it
// cancelled. It returns the number of touches cancelled.
func (s *Store) cancelSequence(ctx context.Context, tx *sql.Tx, seqID string) (int, error) {
	r, err := s.exec(ctx, tx, `UPDATE email_touches SET status = 'cancelled' WHERE sequence_id = ? AND status = 'scheduled'`, seqID)
	if err != nil {
		return 0, err
	}
	n, _ := r.RowsAffected()
	_, err = s.exec(ctx, tx,
		`UPDATE email_sequences SET status = 'cancelled', completed_at = ? WHERE id = ? AND status IN ('active', 'paused')`,
		s.clock(), seqID)
	return int(n), err
}

func scanSuppression(r rowScanner) (*domain.SuppressionEntry, error) {
	var (
		e      domain.SuppressionEntry
		source string
	)
	if err := r.Scan(&e.Email, &e.Domain, &e.Reason, &source, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Source = domain.SuppressionSource(source)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// ListSuppressions returns matching entries, newest first, with the total
// count of matches ignoring pagination.
func (s *Store) ListSuppressions(ctx context.Context, f domain.SuppressionFilter) ([]domain.SuppressionEntry, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, strings.ToLower(f.Domain))
	}
	if f.Search != "" {
		where = append(where, "email LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM suppression_list`+cond, args...).Scan(&total); err != nil {
		return nil, 0, wrap("list suppressions: count", err)
	}

	q := `SELECT email, domain, reason, source, created_at FROM suppression_list` + cond + ` ORDER BY created_at DESC, email`
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, 0, wrap("list suppressions", err)
	}
	defer rows.Close()
	var out []domain.SuppressionEntry
	for rows.Next() {
		e, err := scanSuppression(rows)
		if err != nil {
			return nil, 0, wrap("list suppressions: scan", err)
		}
		out = append(out, *e)
	}
	return out, total, wrap("list suppressions", rows.Err())
}

// CountSuppressions returns the size of the suppression list.
func (s *Store) CountSuppressions(ctx context.Context) (int, error) {
	var n int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM suppression_list`).Scan(&n); err != nil {
		return 0, wrap("count suppressions", err)
	}
	return n, nil
}
