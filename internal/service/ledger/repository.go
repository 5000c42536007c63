package ledger

import (
	"context"

	"github.com/ignite/leadengine/internal/domain"
)

// Repository is the run and ledger slice of the entity store.
type Repository interface {
	StartRun(ctx context.Context, command string) (*domain.Run, error)
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, summary string) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	AppendLedger(ctx context.Context, e domain.LedgerEntry) (*domain.LedgerEntry, bool, error)
	ListLedger(ctx context.Context, f domain.LedgerFilter) ([]domain.LedgerEntry, error)
	ListOutcomeFeedback(ctx context.Context, orgID string) ([]domain.OutcomeFeedback, error)
	ListAPICalls(ctx context.Context, runID string, limit int) ([]domain.APICall, error)
}

// Sink stores run reports. internal/storage provides local and S3 sinks.
type Sink interface {
	Put(ctx context.Context, name string, body []byte) (string, error)
}
