package suppression

import (
	"context"

	"github.com/ignite/leadengine/internal/domain"
)

// Repository is the data access contract of the suppression list.
type Repository interface {
	// IsSuppressed reports whether the normalized email is blocked.
	IsSuppressed(ctx context.Context, email string) (bool, error)

	// AddSuppression inserts an entry, keeping an existing one, and cancels
	// every scheduled touch addressed to it in the same transaction.
	AddSuppression(ctx context.Context, e domain.SuppressionEntry) (*domain.SuppressionResult, error)

	// ListSuppressions returns matching entries and the unpaged total.
	ListSuppressions(ctx context.Context, f domain.SuppressionFilter) ([]domain.SuppressionEntry, int, error)

	CountSuppressions(ctx context.Context) (int, error)
}
