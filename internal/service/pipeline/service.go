package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/logger"
)

// Service applies stage changes.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Transition moves orgID to target. A non-empty guard must equal the stage
// the store finds under its row lock.
func (s *Service) Transition(ctx context.Context, orgID string, guard, target domain.Stage) (*domain.Organization, error) {
	if guard != "" && !guard.Valid() {
		return nil, &domain.ValidationError{Field: "from", Reason: fmt.Sprintf("unknown stage %q", guard)}
	}
	org, err := s.repo.Transition(ctx, orgID, guard, target)
	if err != nil {
		logger.Warn("transition rejected", "org_id", orgID, "target", target, "error", err)
		return nil, err
	}
	logger.Info("transition applied", "org_id", orgID, "stage", org.Stage)
	return org, nil
}

// Score stores a breakdown and settles the organization at qualified or
// rejected.
func (s *Service) Score(ctx context.Context, orgID string, b domain.ScoreBreakdown) (*domain.Organization, error) {
	if err := b.Validate(nil); err != nil {
		return nil, err
	}
	org, err := s.repo.ApplyScore(ctx, orgID, b)
	if err != nil {
		return nil, err
	}
	logger.Info("lead scored", "org_id", orgID, "total", b.Total(), "stage", org.Stage)
	return org, nil
}

// RequestCallPermission records that the permission email went out to an
// interested lead.
func (s *Service) RequestCallPermission(ctx context.Context, orgID string) (*domain.Organization, error) {
	return s.Transition(ctx, orgID, domain.StageRepliedInterested, domain.StageCallPermissionSent)
}

// CloseLost ends the pipeline for a lead that went cold.
func (s *Service) CloseLost(ctx context.Context, orgID string) (*domain.Organization, error) {
	return s.Transition(ctx, orgID, "", domain.StageClosedLost)
}

// BecameClient records the final conversion after a held meeting.
func (s *Service) BecameClient(ctx context.Context, orgID string) (*domain.Organization, error) {
	return s.Transition(ctx, orgID, domain.StageMeetingHeld, domain.StageBecameClient)
}

// Disqualify sets the sticky disqualified flag. Disqualified leads drop
// out of every due query and can never qualify again.
func (s *Service) Disqualify(ctx context.Context, orgID, reason string) (*domain.Organization, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &domain.ValidationError{Field: "reason", Reason: "required"}
	}
	if err := s.repo.Disqualify(ctx, orgID, reason); err != nil {
		return nil, err
	}
	logger.Info("lead disqualified", "org_id", orgID, "reason", reason)
	return s.repo.GetOrganization(ctx, orgID)
}
