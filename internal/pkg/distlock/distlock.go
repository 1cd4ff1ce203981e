// Package distlock enforces a single dispatch writer per tenant across
// processes (Redis, Postgres) or inside one process (local fallback).
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by Must when another holder owns the key.
var ErrNotAcquired = errors.New("distlock: lock held by another owner")

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Extender is implemented by locks whose ownership expires.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// NewLock creates a lock using the best available backend: Redis when
// redisClient is set, Postgres advisory locks when db is set, otherwise a
// lock local to this process.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	if db != nil {
		return NewPGAdvisoryLock(db, key)
	}
	return NewLocalLock(key)
}

// Must acquires l or returns ErrNotAcquired.
func Must(ctx context.Context, l DistLock) error {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	return nil
}

// KeepAlive extends l every interval until ctx ends. Locks without expiry
// return immediately. onLost is called once if an extension fails.
func KeepAlive(ctx context.Context, l DistLock, ttl, interval time.Duration, onLost func(error)) {
	ext, ok := l.(Extender)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ext.Extend(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				if onLost != nil {
					onLost(err)
				}
				return
			}
		}
	}
}

// =============================================================================
// PostgreSQL Advisory Lock
// =============================================================================
// pg_try_advisory_lock / pg_advisory_unlock are session-scoped, so the lock is
// released if the connection drops. A dedicated *sql.Conn pins the session.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	return &PGAdvisoryLock{
		db:     db,
		lockID: LockID(key),
	}
}

// LockID hashes key into the advisory lock space.
func LockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Acquire tries to acquire the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn == nil {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return false, err
		}
		l.conn = conn
	}
	var acquired bool
	err := l.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	if err != nil || !acquired {
		l.conn.Close()
		l.conn = nil
	}
	return acquired, err
}

// Release releases the advisory lock and returns the session to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}

// =============================================================================
// Local lock
// =============================================================================

var (
	localMu   sync.Mutex
	localHeld = map[string]*LocalLock{}
)

// LocalLock guards a key inside the current process only.
type LocalLock struct {
	key string
}

// NewLocalLock creates a process-local lock for key.
func NewLocalLock(key string) *LocalLock {
	return &LocalLock{key: key}
}

// Acquire succeeds if no other LocalLock holds the key.
func (l *LocalLock) Acquire(ctx context.Context) (bool, error) {
	localMu.Lock()
	defer localMu.Unlock()
	if owner, ok := localHeld[l.key]; ok && owner != l {
		return false, nil
	}
	localHeld[l.key] = l
	return true, nil
}

// Release drops the key if this lock holds it.
func (l *LocalLock) Release(ctx context.Context) error {
	localMu.Lock()
	defer localMu.Unlock()
	if localHeld[l.key] == l {
		delete(localHeld, l.key)
	}
	return nil
}
