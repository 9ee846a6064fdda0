// Package lock provides the per-action execution lock: at most one run may
// hold the lock for an action id at a time. The local locker covers a single
// process; the Redis locker extends the same guarantee across processes.
package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stewardlabs/veract/pkg/contracts"
)

// Locker grants exclusive execution leases keyed by action id. Acquire does
// not block: a held lock is a conflict, because a concurrent run attempt
// must be rejected, not queued.
type Locker interface {
	// Acquire returns a release function on success. A lock already held
	// for the key returns a state-conflict error.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLocker is the in-process implementation.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]string
}

// NewLocalLocker creates an empty local locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]string)}
}

func (l *LocalLocker) Acquire(_ context.Context, key string) (func(), error) {
	token := uuid.New().String()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return nil, contracts.NewDomainError(contracts.ErrorTypeStateConflict,
			"another run is already in progress for this action", nil).
			WithDetail("action_id", key)
	}
	l.held[key] = token

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		// Only the holder's token releases; a stale release is a no-op.
		if l.held[key] == token {
			delete(l.held, key)
		}
	}
	return release, nil
}
