package suppression

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/leadengine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// mockRepo is an in-memory suppression list.
type mockRepo struct {
	mu      sync.RWMutex
	store   map[string]domain.SuppressionEntry
	reads   int
	readErr error
	now     time.Time
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		store: make(map[string]domain.SuppressionEntry),
		now:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func (m *mockRepo) IsSuppressed(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.readErr != nil {
		return false, m.readErr
	}
	_, ok := m.store[email]
	return ok, nil
}

func (m *mockRepo) AddSuppression(_ context.Context, e domain.SuppressionEntry) (*domain.SuppressionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.store[e.Email]; ok {
		return &domain.SuppressionResult{Entry: old}, nil
	}
	e.CreatedAt = m.now
	m.store[e.Email] = e
	return &domain.SuppressionResult{Entry: e, Created: true, CancelledTouches: 2}, nil
}

func (m *mockRepo) ListSuppressions(_ context.Context, f domain.SuppressionFilter) ([]domain.SuppressionEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SuppressionEntry
	for _, e := range m.store {
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if f.Search != "" && !strings.Contains(e.Email, f.Search) {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func (m *mockRepo) CountSuppressions(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store), nil
}

func TestSuppress_NormalizesAndBlocks(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	res, err := svc.Suppress(ctx, "  Ann@ACME.com ", "asked to stop", domain.SourceUnsubscribeReply)
	if err != nil {
		t.Fatalf("Suppress: %v", err)
	}
	if !res.Created || res.Entry.Domain != "acme.com" {
		t.Errorf("unexpected result: %+v", res)
	}

	ok, err := svc.IsSuppressed(ctx, "ann@acme.com")
	if err != nil {
		t.Fatalf("IsSuppressed: %v", err)
	}
	if !ok {
		t.Error("expected email to be suppressed")
	}
	if err := svc.Allow(ctx, "ANN@acme.com"); !errors.Is(err, domain.ErrSuppressed) {
		t.Errorf("Allow: expected ErrSuppressed, got %v", err)
	}
	if err := svc.Allow(ctx, "bob@acme.com"); err != nil {
		t.Errorf("Allow: unexpected %v", err)
	}
}

func TestSuppress_Idempotent(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := svc.Suppress(ctx, "dup@example.com", "", domain.SourceManual)
		if err != nil {
			t.Fatalf("Suppress #%d: %v", i, err)
		}
		if res.Created != (i == 0) {
			t.Errorf("Suppress #%d: created=%v", i, res.Created)
		}
	}
	if count, _ := svc.Count(ctx); count != 1 {
		t.Errorf("expected 1 suppression, got %d", count)
	}
}

func TestSuppress_EmptyEmail(t *testing.T) {
	svc := NewService(newMockRepo())
	if _, err := svc.Suppress(context.Background(), " ", "", domain.SourceManual); !errors.Is(err, ErrEmailRequired) {
		t.Errorf("expected ErrEmailRequired, got %v", err)
	}
}

func TestAllow_FailsClosed(t *testing.T) {
	repo := newMockRepo()
	repo.readErr = domain.ErrStoreUnavailable
	svc := NewService(repo)

	err := svc.Allow(context.Background(), "ann@acme.com")
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("expected store error to block, got %v", err)
	}
}

func TestIsSuppressed_CachesPositives(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	repo := newMockRepo()
	svc := NewService(repo, WithCache(client))
	ctx := context.Background()

	if _, err := svc.Suppress(ctx, "ann@acme.com", "", domain.SourceBounce); err != nil {
		t.Fatalf("Suppress: %v", err)
	}
	if ok, _ := mr.SIsMember(cacheKey, "ann@acme.com"); !ok {
		t.Fatal("expected address in cache set")
	}
	for i := 0; i < 3; i++ {
		if ok, err := svc.IsSuppressed(ctx, "ann@acme.com"); err != nil || !ok {
			t.Fatalf("IsSuppressed: %v %v", ok, err)
		}
	}
	if repo.reads != 0 {
		t.Errorf("expected cached answers, repository read %d times", repo.reads)
	}

	if ok, _ := svc.IsSuppressed(ctx, "bob@acme.com"); ok {
		t.Error("bob is not suppressed")
	}
	if repo.reads != 1 {
		t.Errorf("negative answers must hit the repository, reads=%d", repo.reads)
	}
}

func TestIsSuppressed_CacheDownFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	repo := newMockRepo()
	repo.store["ann@acme.com"] = domain.SuppressionEntry{Email: "ann@acme.com"}
	svc := NewService(repo, WithCache(client))

	ok, err := svc.IsSuppressed(context.Background(), "ann@acme.com")
	if err != nil || !ok {
		t.Errorf("expected repository answer, got %v %v", ok, err)
	}
}

func TestGetStats(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, WithClock(func() time.Time { return repo.now.Add(2 * time.Hour) }))
	ctx := context.Background()

	_, _ = svc.Suppress(ctx, "a@acme.com", "", domain.SourceBounce)
	_, _ = svc.Suppress(ctx, "b@acme.com", "", domain.SourceUnsubscribeReply)
	_, _ = svc.Suppress(ctx, "c@beta.io", "", domain.SourceBounce)
	repo.store["old@beta.io"] = domain.SuppressionEntry{
		Email: "old@beta.io", Domain: "beta.io", Source: domain.SourceManual,
		CreatedAt: repo.now.Add(-72 * time.Hour),
	}

	stats, err := svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("expected total=4, got %d", stats.Total)
	}
	if stats.BySource["bounce"] != 2 {
		t.Errorf("expected 2 bounces, got %d", stats.BySource["bounce"])
	}
	if stats.ByDomain["beta.io"] != 2 {
		t.Errorf("expected 2 beta.io, got %d", stats.ByDomain["beta.io"])
	}
	if stats.Last24Hours != 3 {
		t.Errorf("expected 3 recent, got %d", stats.Last24Hours)
	}

	list, total, err := svc.List(ctx, domain.SuppressionFilter{Source: domain.SourceUnsubscribeReply})
	if err != nil || total != 1 || list[0].Email != "b@acme.com" {
		t.Errorf("List: %v %d %v", list, total, err)
	}
}
