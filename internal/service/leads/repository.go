package leads

import (
	"context"

	"github.com/ignite/leadengine/internal/domain"
)

// Repository is the slice of the entity store intake needs.
type Repository interface {
	UpsertOrganization(ctx context.Context, c domain.OrganizationCandidate) (*domain.Organization, bool, error)
	UpsertContact(ctx context.Context, orgID string, c domain.ContactCandidate) (*domain.Contact, bool, error)
	UpsertEvent(ctx context.Context, orgID string, c domain.EventCandidate) (*domain.Event, error)
	Transition(ctx context.Context, orgID string, guard, to domain.Stage) (*domain.Organization, error)
	ApplyScore(ctx context.Context, orgID string, b domain.ScoreBreakdown) (*domain.Organization, error)

	KnownDomains(ctx context.Context) ([]string, error)
	KnownEmails(ctx context.Context) ([]string, error)
	DomainsExist(ctx context.Context, domains []string) (map[string]bool, error)
	ListActiveEvents(ctx context.Context) ([]domain.Event, error)
	ListOrganizations(ctx context.Context, f domain.OrgFilter) ([]domain.Organization, error)
}
