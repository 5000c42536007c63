// Package distlock serializes cadence sweeps and recontact runs across
// processes. Redis is preferred when configured, Postgres advisory locks
// cover multi-host deployments without Redis, and a lock file covers the
// single-host SQLite deployment.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing or extending a lock this instance
// does not own.
var ErrNotHeld = errors.New("distlock: lock not held")

// DistLock is a non-blocking mutual exclusion primitive. One instance
// belongs to one goroutine.
type DistLock interface {
	// Acquire reports whether the lock was taken.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if this instance still owns it.
	Release(ctx context.Context) error
}

// Options selects a backend. The first configured one wins: Redis, then
// a Postgres handle, then a lock directory.
type Options struct {
	Redis   *redis.Client
	DB      *sql.DB
	LockDir string
	TTL     time.Duration
}

// NewLock builds the lock named key on the best available backend.
func NewLock(opts Options, key string) (DistLock, error) {
	switch {
	case opts.Redis != nil:
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		return NewRedisLock(opts.Redis, key, ttl), nil
	case opts.DB != nil:
		return NewPGAdvisoryLock(opts.DB, key), nil
	case opts.LockDir != "":
		return NewFileLock(filepath.Join(opts.LockDir, sanitize(key)+".lock")), nil
	}
	return nil, fmt.Errorf("distlock: no backend configured for %q", key)
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
}

// PGAdvisoryLock holds pg_try_advisory_lock on a dedicated connection.
// Advisory locks are session scoped, so the connection is pinned until
// Release and the lock disappears if the session dies.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock derives a stable lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		return false, nil
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// FileLock wraps an flock(2) lock file.
type FileLock struct {
	fl *flock.Flock
}

// NewFileLock locks path, creating it when missing.
func NewFileLock(path string) *FileLock {
	return &FileLock{fl: flock.New(path)}
}

func (l *FileLock) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("file lock %s: %w", l.fl.Path(), err)
	}
	return ok, nil
}

func (l *FileLock) Release(context.Context) error {
	if !l.fl.Locked() {
		return ErrNotHeld
	}
	return l.fl.Unlock()
}
