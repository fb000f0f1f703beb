package sync

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker hands out exclusive, non-blocking locks keyed by name.
type Locker interface {
	// TryLock returns ok=false when the key is already held elsewhere.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// MutexLocker is an in-process Locker.
type MutexLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *MutexLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]struct{})
	}
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

// AdvisoryLocker takes session-level Postgres advisory locks so sync workers
// in separate processes never overlap. The lock lives on a dedicated pool
// connection until unlocked.
type AdvisoryLocker struct {
	Pool *pgxpool.Pool
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	if l == nil || l.Pool == nil {
		return nil, false, errors.New("advisory locker has no pool")
	}
	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	id := lockKey("sync", key)
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", id)
		conn.Release()
	}, true, nil
}

func lockKey(scope, name string) int64 {
	scope = strings.ToLower(strings.TrimSpace(scope))
	name = strings.ToLower(strings.TrimSpace(name))

	h := fnv.New64a()
	_, _ = h.Write([]byte(scope))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

type tryLockRunner struct {
	locker Locker
	key    string
	inner  Runner
}

// NewTryLockRunner runs inner only while holding key, returning
// ErrSyncAlreadyRunning when another pass holds it.
func NewTryLockRunner(locker Locker, key string, inner Runner) Runner {
	return &tryLockRunner{locker: locker, key: key, inner: inner}
}

func (r *tryLockRunner) RunOnce(ctx context.Context) error {
	if r == nil || r.locker == nil || r.inner == nil {
		return errors.New("sync runner is not configured")
	}
	unlock, ok, err := r.locker.TryLock(ctx, r.key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSyncAlreadyRunning
	}
	defer unlock()
	return r.inner.RunOnce(ctx)
}
