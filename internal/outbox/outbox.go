// Package outbox relays committed ledger entries to Kafka. Entries are read
// in id order, published keyed by organization and then stamped, so a
// crash between publish and stamp re-sends rather than loses.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/logger"
	"github.com/segmentio/kafka-go"
)

// Repository is the ledger side of the relay.
type Repository interface {
	UnpublishedLedger(ctx context.Context, limit int) ([]domain.LedgerEntry, error)
	MarkLedgerPublished(ctx context.Context, ids []int64, at time.Time) error
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter builds a synchronous, hash-balanced writer so entries of one
// organization land on one partition in order.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Relay moves ledger entries from the store to Kafka.
type Relay struct {
	repo       Repository
	writer     MessageWriter
	batchSize  int
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
}

// Option tunes a Relay.
type Option func(*Relay)

// WithBatchSize caps entries per poll.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithClock overrides the publish timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithRetry sets how often a batch is retried on leader elections.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(r *Relay) {
		r.maxRetries = maxRetries
		r.backoff = backoff
	}
}

// NewRelay wires a relay.
func NewRelay(repo Repository, writer MessageWriter, opts ...Option) *Relay {
	r := &Relay{
		repo:       repo,
		writer:     writer,
		batchSize:  100,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Message is the published form of a ledger entry.
type Message struct {
	ID             int64  `json:"id"`
	RunID          string `json:"run_id,omitempty"`
	OrgID          string `json:"org_id"`
	SubjectID      string `json:"subject_id"`
	Action         string `json:"action"`
	Outcome        string `json:"outcome"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Detail         string `json:"detail,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func encode(e domain.LedgerEntry) (kafka.Message, error) {
	body, err := json.Marshal(Message{
		ID: e.ID, RunID: e.RunID, OrgID: e.OrgID, SubjectID: e.SubjectID,
		Action: string(e.Action), Outcome: string(e.Outcome),
		IdempotencyKey: e.IdempotencyKey, Detail: e.Detail,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.OrgID),
		Value: body,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(e.Action)},
			{Key: "outcome", Value: []byte(e.Outcome)},
		},
	}, nil
}

// RelayOnce publishes one batch and returns how many entries went out.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	entries, err := r.repo.UnpublishedLedger(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: read ledger: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		m, err := encode(e)
		if err != nil {
			return 0, fmt.Errorf("outbox: encode entry %d: %w", e.ID, err)
		}
		msgs = append(msgs, m)
		ids = append(ids, e.ID)
	}

	if err := r.write(ctx, msgs); err != nil {
		return 0, fmt.Errorf("outbox: publish: %w", err)
	}
	if err := r.repo.MarkLedgerPublished(ctx, ids, r.now()); err != nil {
		return 0, fmt.Errorf("outbox: mark published: %w", err)
	}
	return len(entries), nil
}

func (r *Relay) write(ctx context.Context, msgs []kafka.Message) error {
	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("outbox: publish retry", "attempt", attempt, "error", err)
			select {
			case <-time.After(time.Duration(attempt) * r.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = r.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kafka.NotLeaderForPartition) && !errors.Is(err, kafka.LeaderNotAvailable) {
			return err
		}
	}
	return err
}

// Run drains the ledger every interval until ctx ends. A full batch is
// followed by an immediate next poll.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for {
			n, err := r.RelayOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("outbox: relay failed", "error", err)
				break
			}
			if n > 0 {
				logger.Debug("outbox: published", "entries", n)
			}
			if n < r.batchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
