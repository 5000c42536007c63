package cadence

import (
	"context"
	"time"

	"github.com/ignite/leadengine/internal/domain"
)

// Repository is the slice of the entity store the scheduler needs.
type Repository interface {
	Enroll(ctx context.Context, req domain.EnrollRequest) (*domain.EmailSequence, error)
	DueTouches(ctx context.Context, now time.Time, limit int) ([]domain.DueTouch, error)
	DueNurture(ctx context.Context, now time.Time) ([]domain.Organization, error)
	MarkSent(ctx context.Context, touchID, externalMessageID string, sentAt time.Time) (*domain.EmailTouch, error)
	MarkFailed(ctx context.Context, touchID, reason string, bounce bool) (*domain.EmailTouch, error)
	CancelRemaining(ctx context.Context, sequenceID string) (int, error)

	AppendLedger(ctx context.Context, e domain.LedgerEntry) (*domain.LedgerEntry, bool, error)
	HasLedgerKey(ctx context.Context, key string) (bool, error)
}

// Gate is the suppression check consulted right before every send.
type Gate interface {
	Allow(ctx context.Context, email string) error
}

// Dispatcher hands due actions to the delivery collaborator.
type Dispatcher interface {
	// Send delivers one touch and returns the provider message id. A
	// *domain.DeliveryError marks a refusal the provider reported.
	Send(ctx context.Context, t domain.DueTouch) (string, error)

	// Recontact asks the collaborator to write fresh touches for a
	// nurtured organization. It re-enrolls the lead through Enroll.
	Recontact(ctx context.Context, org domain.Organization) error
}
