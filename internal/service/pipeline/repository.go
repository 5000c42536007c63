package pipeline

import (
	"context"

	"github.com/ignite/leadengine/internal/domain"
)

// Repository is the slice of the entity store the pipeline needs.
type Repository interface {
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	Transition(ctx context.Context, orgID string, guard, to domain.Stage) (*domain.Organization, error)
	ApplyScore(ctx context.Context, orgID string, b domain.ScoreBreakdown) (*domain.Organization, error)
	Disqualify(ctx context.Context, orgID, reason string) error
}
