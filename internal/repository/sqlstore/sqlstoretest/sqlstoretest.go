// Package sqlstoretest opens migrated SQLite stores for tests of the
// packages built on top of sqlstore.
package sqlstoretest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ignite/leadengine/internal/repository/sqlstore"
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Epoch is the instant every test store starts at.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// New returns a migrated store in t's temp dir, closed on cleanup.
func New(t testing.TB) (*sqlstore.Store, *Clock) {
	t.Helper()
	s, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "leads.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := &Clock{now: Epoch}
	s.SetClock(clock.Now)
	if _, err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s, clock
}
