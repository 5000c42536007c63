package suppression

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const cacheKey = "leadengine:suppressed"

// Service wraps the suppression list. It is safe for concurrent use.
type Service struct {
	repo  Repository
	cache *redis.Client
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCache keeps a Redis set of known-suppressed addresses. Entries are
// permanent so positive answers can be cached forever. Negative answers
// always go to the repository.
func WithCache(client *redis.Client) Option {
	return func(s *Service) { s.cache = client }
}

// WithClock overrides time.Now for stats.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a suppression service backed by repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func normalize(email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", ErrEmailRequired
	}
	return domain.NormalizeEmail(email)
}

// IsSuppressed checks whether email is blocked.
func (s *Service) IsSuppressed(ctx context.Context, email string) (bool, error) {
	email, err := normalize(email)
	if err != nil {
		return false, err
	}
	if s.cache != nil {
		hit, err := s.cache.SIsMember(ctx, cacheKey, email).Result()
		if err != nil {
			logger.Warn("suppression cache read failed", "error", err)
		} else if hit {
			return true, nil
		}
	}
	ok, err := s.repo.IsSuppressed(ctx, email)
	if err != nil {
		return false, err
	}
	if ok {
		s.remember(ctx, email)
	}
	return ok, nil
}

// Allow returns nil only when email may be contacted. A lookup failure is
// a refusal.
func (s *Service) Allow(ctx context.Context, email string) error {
	ok, err := s.IsSuppressed(ctx, email)
	if err != nil {
		return fmt.Errorf("suppression check %s: %w", logger.RedactEmail(email), err)
	}
	if ok {
		return fmt.Errorf("%s: %w", logger.RedactEmail(email), domain.ErrSuppressed)
	}
	return nil
}

// Suppress adds email to the list. Re-adding is a no-op that still sweeps
// pending touches.
func (s *Service) Suppress(ctx context.Context, email, reason string, source domain.SuppressionSource) (*domain.SuppressionResult, error) {
	email, err := normalize(email)
	if err != nil {
		return nil, err
	}
	res, err := s.repo.AddSuppression(ctx, domain.SuppressionEntry{
		Email:  email,
		Domain: domain.EmailDomain(email),
		Reason: strings.TrimSpace(reason),
		Source: source,
	})
	if err != nil {
		return nil, err
	}
	s.remember(ctx, email)
	logger.Info("suppression added",
		"email", email, "source", source, "created", res.Created, "cancelled_touches", res.CancelledTouches)
	return res, nil
}

func (s *Service) remember(ctx context.Context, email string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SAdd(ctx, cacheKey, email).Err(); err != nil {
		logger.Warn("suppression cache write failed", "error", err)
	}
}

// List returns entries matching f.
func (s *Service) List(ctx context.Context, f domain.SuppressionFilter) ([]domain.SuppressionEntry, int, error) {
	return s.repo.ListSuppressions(ctx, f)
}

// Count returns the size of the list.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.CountSuppressions(ctx)
}

// Stats are aggregate counts of the list.
type Stats struct {
	Total       int            `json:"total"`
	BySource    map[string]int `json:"by_source"`
	ByDomain    map[string]int `json:"by_domain"`
	Last24Hours int            `json:"last_24_hours"`
}

// GetStats scans the whole list.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	entries, total, err := s.repo.ListSuppressions(ctx, domain.SuppressionFilter{})
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Total:    total,
		BySource: make(map[string]int),
		ByDomain: make(map[string]int),
	}
	cutoff := s.now().Add(-24 * time.Hour)
	for _, e := range entries {
		stats.BySource[string(e.Source)]++
		stats.ByDomain[e.Domain]++
		if e.CreatedAt.After(cutoff) {
			stats.Last24Hours++
		}
	}
	return stats, nil
}
