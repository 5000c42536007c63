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

const orgColumns = `id, name, domain, website, description, why_fit,
	score_total, score_event_relevance, score_digital_ad_readiness, score_contact_quality, score_organization_size_fit,
	stage, disqualified, disqualification_reason, last_outreach_at, next_outreach_at, recontact_note,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrganization(r rowScanner) (*domain.Organization, error) {
	var (
		o                domain.Organization
		total, er, dar   sql.NullInt64
		cq, sizeFit      sql.NullInt64
		stage            string
		lastOut, nextOut sql.NullTime
	)
	err := r.Scan(&o.ID, &o.Name, &o.Domain, &o.Website, &o.Description, &o.WhyFit,
		&total, &er, &dar, &cq, &sizeFit,
		&stage, &o.Disqualified, &o.DisqualificationReason, &lastOut, &nextOut, &o.RecontactNote,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Stage = domain.Stage(stage)
	o.ScoreTotal = intPtr(total)
	if total.Valid {
		o.Score = &domain.ScoreBreakdown{
			EventRelevance:      int(er.Int64),
			DigitalAdReadiness:  int(dar.Int64),
			ContactQuality:      int(cq.Int64),
			OrganizationSizeFit: int(sizeFit.Int64),
		}
	}
	o.LastOutreachAt = timePtr(lastOut)
	o.NextOutreachAt = timePtr(nextOut)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func scoreArgs(b *domain.ScoreBreakdown) []any {
	if b == nil {
		return []any{nil, nil, nil, nil, nil}
	}
	return []any{b.Total(), b.EventRelevance, b.DigitalAdReadiness, b.ContactQuality, b.OrganizationSizeFit}
}

// UpsertOrganization merges a candidate on its normalized domain. A new row
// starts at the discovered stage. An existing row keeps its stage, keeps
// non-empty fields the candidate leaves blank and never clears the
// disqualified flag. created reports whether a row was inserted.
func (s *Store) UpsertOrganization(ctx context.Context, c domain.OrganizationCandidate) (org *domain.Organization, created bool, err error) {
	if err := c.Normalize(); err != nil {
		return nil, false, err
	}
	now := s.clock()
	err = s.inTx(ctx, "upsert organization", func(tx *sql.Tx) error {
		id := uuid.NewString()
		args := []any{id, c.Name, c.Domain, c.Website, c.Description, c.WhyFit}
		args = append(args, scoreArgs(c.Score)...)
		args = append(args, c.Disqualified, c.DisqualificationReason, now, now)
		var got string
		err := s.queryRow(ctx, tx, `
			INSERT INTO organizations (id, name, domain, website, description, why_fit,
				score_total, score_event_relevance, score_digital_ad_readiness, score_contact_quality, score_organization_size_fit,
				stage, disqualified, disqualification_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'discovered', ?, ?, ?, ?)
			ON CONFLICT (domain) DO UPDATE SET
				name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE organizations.name END,
				website = CASE WHEN excluded.website <> '' THEN excluded.website ELSE organizations.website END,
				description = CASE WHEN excluded.description <> '' THEN excluded.description ELSE organizations.description END,
				why_fit = CASE WHEN excluded.why_fit <> '' THEN excluded.why_fit ELSE organizations.why_fit END,
				score_total = COALESCE(excluded.score_total, organizations.score_total),
				score_event_relevance = COALESCE(excluded.score_event_relevance, organizations.score_event_relevance),
				score_digital_ad_readiness = COALESCE(excluded.score_digital_ad_readiness, organizations.score_digital_ad_readiness),
				score_contact_quality = COALESCE(excluded.score_contact_quality, organizations.score_contact_quality),
				score_organization_size_fit = COALESCE(excluded.score_organization_size_fit, organizations.score_organization_size_fit),
				disqualified = (organizations.disqualified OR excluded.disqualified),
				disqualification_reason = CASE WHEN excluded.disqualified THEN excluded.disqualification_reason ELSE organizations.disqualification_reason END,
				updated_at = excluded.updated_at
			RETURNING id`, args...).Scan(&got)
		if err != nil {
			return err
		}
		// The generated id survives only when the row was inserted.
		created = got == id
		org, err = scanOrganization(s.queryRow(ctx, tx, `SELECT `+orgColumns+` FROM organizations WHERE id = ?`, got))
		if err != nil {
			return err
		}
		detail := "merged"
		if created {
			detail = "created"
		}
		return s.appendLedger(ctx, tx, domain.LedgerEntry{
			RunID: domain.RunIDFrom(ctx), OrgID: org.ID, SubjectID: org.Domain,
			Action: domain.ActionUpsertOrganization, Outcome: domain.OutcomeApplied, Detail: detail,
		})
	})
	if err != nil {
		return nil, false, err
	}
	return org, created, nil
}

// GetOrganization loads an organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	o, err := scanOrganization(s.queryRow(ctx, s.db, `SELECT `+orgColumns+` FROM organizations WHERE id = ?`, id))
	if err != nil {
		return nil, wrap("get organization", err)
	}
	return o, nil
}

// GetOrganizationByDomain loads an organization by its normalized domain.
func (s *Store) GetOrganizationByDomain(ctx context.Context, domainKey string) (*domain.Organization, error) {
	o, err := scanOrganization(s.queryRow(ctx, s.db, `SELECT `+orgColumns+` FROM organizations WHERE domain = ?`, domainKey))
	if err != nil {
		return nil, wrap("get organization by domain", err)
	}
	return o, nil
}

// ListOrganizations returns organizations ordered by creation.
func (s *Store) ListOrganizations(ctx context.Context, f domain.OrgFilter) ([]domain.Organization, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Stages) > 0 {
		where = append(where, "stage IN ("+placeholders(len(f.Stages))+")")
		for _, st := range f.Stages {
			args = append(args, string(st))
		}
	}
	if !f.IncludeDisqualified {
		where = append(where, "disqualified = ?")
		args = append(args, false)
	}
	q := `SELECT ` + orgColumns + ` FROM organizations`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	return s.listOrganizations(ctx, s.db, "list organizations", q, args...)
}

func (s *Store) listOrganizations(ctx context.Context, q querier, op, query string, args ...any) ([]domain.Organization, error) {
	rows, err := s.query(ctx, q, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []domain.Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, wrap(op+": scan", err)
		}
		out = append(out, *o)
	}
	return out, wrap(op, rows.Err())
}

// KnownDomains returns every stored domain key. It reads only the unique
// index column.
func (s *Store) KnownDomains(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, "known domains", `SELECT domain FROM organizations ORDER BY domain`)
}

// DomainsExist reports which of the given normalized domains are stored.
func (s *Store) DomainsExist(ctx context.Context, domains []string) (map[string]bool, error) {
	out := make(map[string]bool, len(domains))
	if len(domains) == 0 {
		return out, nil
	}
	args := make([]any, len(domains))
	for i, d := range domains {
		args[i] = d
	}
	rows, err := s.query(ctx, s.db, `SELECT domain FROM organizations WHERE domain IN (`+placeholders(len(domains))+`)`, args...)
	if err != nil {
		return nil, wrap("domains exist", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, wrap("domains exist: scan", err)
		}
		out[d] = true
	}
	return out, wrap("domains exist", rows.Err())
}

func (s *Store) stringColumn(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrap(op+": scan", err)
		}
		out = append(out, v)
	}
	return out, wrap(op, rows.Err())
}

// Disqualify sets the sticky disqualified flag. There is no inverse.
func (s *Store) Disqualify(ctx context.Context, orgID, reason string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE organizations SET disqualified = ?, disqualification_reason = ?, updated_at = ? WHERE id = ?`,
		true, reason, s.clock(), orgID)
	if err != nil {
		return wrap("disqualify", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("disqualify %s: %w", orgID, domain.ErrNotFound)
	}
	return nil
}

// lockOrganization reads an organization inside tx, holding its row lock
// until the transaction ends.
func (s *Store) lockOrganization(ctx context.Context, tx *sql.Tx, orgID string) (*domain.Organization, error) {
	o, err := scanOrganization(s.queryRow(ctx, tx, `SELECT `+orgColumns+` FROM organizations WHERE id = ?`+s.forUpdate(), orgID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("organization %s: %w", orgID, domain.ErrNotFound)
	}
	return o, err
}

func (s *Store) touchOrganization(ctx context.Context, tx *sql.Tx, orgID string, stage domain.Stage, now time.Time) error {
	_, err := s.exec(ctx, tx, `UPDATE organizations SET stage = ?, updated_at = ? WHERE id = ?`, string(stage), now, orgID)
	return err
}
