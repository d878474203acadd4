// Package distlock provides process-crossing mutual exclusion for the
// campaign scheduler and sweep loops, so several server instances can run
// against the same database without double-dispatching.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a single-holder distributed lock. An instance belongs to one
// goroutine; share the backend, not the lock value.
type Lock interface {
	// Acquire attempts to take the lock without blocking. True on success.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still holds it.
	Release(ctx context.Context) error
}

// New picks the backend: Redis when a client is available (works across
// hosts, TTL guards against crashed holders), otherwise a Postgres advisory
// lock (session-scoped, released when the connection drops).
func New(rdb *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if rdb != nil {
		return NewRedisLock(rdb, key, ttl)
	}
	return NewAdvisoryLock(db, key)
}

// AdvisoryLock implements Lock over pg_try_advisory_lock.
type AdvisoryLock struct {
	db  *sql.DB
	id  int64
	key string
}

// NewAdvisoryLock derives a stable 64-bit lock id from key.
func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, id: int64(h.Sum64()), key: key}
}

// Acquire is non-blocking; pg_try_advisory_lock returns immediately.
func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var ok bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.id).Scan(&ok)
	return ok, err
}

// Release unlocks the advisory lock.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.id)
	return err
}
