package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/logger"
)

// Transition moves an organization to the target stage. guard, when set,
// must equal the stored stage at the time the row lock is taken. Rejections
// return a *domain.TransitionError and are recorded in the ledger.
func (s *Store) Transition(ctx context.Context, orgID string, guard, to domain.Stage) (*domain.Organization, error) {
	var org *domain.Organization
	err := s.inTx(ctx, "transition", func(tx *sql.Tx) error {
		o, err := s.lockOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if err := s.applyTransition(ctx, tx, o, guard, to, ""); err != nil {
			return err
		}
		org = o
		return nil
	})
	if err != nil {
		s.ledgerRejection(ctx, domain.ActionTransition, orgID, "", err)
		return nil, err
	}
	return org, nil
}

// applyTransition checks and applies one stage change on a locked row and
// updates org in place.
func (s *Store) applyTransition(ctx context.Context, tx *sql.Tx, org *domain.Organization, guard, to domain.Stage, detail string) error {
	facts, err := s.transitionFacts(ctx, tx, org.ID)
	if err != nil {
		return err
	}
	if err := domain.CheckTransition(org.ID, org.Stage, guard, to, facts); err != nil {
		return err
	}
	now := s.clock()
	if err := s.touchOrganization(ctx, tx, org.ID, to, now); err != nil {
		return err
	}
	from := org.Stage
	org.Stage = to
	org.UpdatedAt = now
	msg := fmt.Sprintf("%s -> %s", from, to)
	if detail != "" {
		msg += ": " + detail
	}
	if err := s.appendLedger(ctx, tx, domain.LedgerEntry{
		OrgID: org.ID, SubjectID: string(to), Action: domain.ActionTransition,
		Outcome: domain.OutcomeApplied, Detail: msg,
	}); err != nil {
		return err
	}
	if domain.ConversionStage(to) {
		return s.recordOutcome(ctx, tx, org, to, now)
	}
	return nil
}

func (s *Store) transitionFacts(ctx context.Context, tx *sql.Tx, orgID string) (domain.TransitionFacts, error) {
	status, err := s.latestCallStatus(ctx, tx, orgID)
	if err != nil {
		return domain.TransitionFacts{}, err
	}
	return domain.TransitionFacts{LatestCallStatus: status}, nil
}

func (s *Store) latestCallStatus(ctx context.Context, q querier, orgID string) (domain.CallStatus, error) {
	var status string
	err := s.queryRow(ctx, q,
		`SELECT call_status FROM call_records WHERE org_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, orgID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return domain.CallStatus(status), nil
}

// ledgerRejection records a refused operation after its transaction has
// rolled back.
func (s *Store) ledgerRejection(ctx context.Context, action domain.LedgerAction, orgID, subjectID string, err error) {
	var te *domain.TransitionError
	if errors.As(err, &te) && subjectID == "" {
		subjectID = string(te.Target)
	}
	if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrSuppressed) &&
		!errors.Is(err, domain.ErrUnresolvedReference) {
		return
	}
	lerr := s.appendLedger(ctx, s.db, domain.LedgerEntry{
		OrgID: orgID, SubjectID: subjectID, Action: action,
		Outcome: domain.OutcomeRejected, Detail: err.Error(),
	})
	if lerr != nil {
		logger.Error("rejection ledger append failed", "action", action, "org_id", orgID, "rejected", err, "error", lerr)
	}
}

// ApplyScore stores an ICP breakdown and, in the same transaction, moves
// the organization through scored to qualified or rejected. A disqualified
// organization is always rejected.
func (s *Store) ApplyScore(ctx context.Context, orgID string, b domain.ScoreBreakdown) (*domain.Organization, error) {
	if err := b.Validate(nil); err != nil {
		return nil, err
	}
	var org *domain.Organization
	err := s.inTx(ctx, "apply score", func(tx *sql.Tx) error {
		o, err := s.lockOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if o.Stage != domain.StageScored {
			if err := s.applyTransition(ctx, tx, o, "", domain.StageScored, ""); err != nil {
				return err
			}
		}
		args := append(scoreArgs(&b), s.clock(), orgID)
		_, err = s.exec(ctx, tx, `
			UPDATE organizations SET score_total = ?, score_event_relevance = ?, score_digital_ad_readiness = ?,
				score_contact_quality = ?, score_organization_size_fit = ?, updated_at = ?
			WHERE id = ?`, args...)
		if err != nil {
			return err
		}
		total := b.Total()
		o.Score, o.ScoreTotal = &b, &total

		next := domain.StageRejected
		if b.Qualified() && !o.Disqualified {
			next = domain.StageQualified
		}
		if err := s.applyTransition(ctx, tx, o, domain.StageScored, next, fmt.Sprintf("score %d", total)); err != nil {
			return err
		}
		if err := s.appendLedger(ctx, tx, domain.LedgerEntry{
			OrgID: orgID, SubjectID: fmt.Sprint(total), Action: domain.ActionScore,
			Outcome: domain.OutcomeApplied, Detail: string(next),
		}); err != nil {
			return err
		}
		org = o
		return nil
	})
	if err != nil {
		s.ledgerRejection(ctx, domain.ActionScore, orgID, "", err)
		return nil, err
	}
	return org, nil
}
