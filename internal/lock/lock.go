// Package lock implements the distributed deploy lock (a named
// mutual-exclusion primitive; the orchestrator takes one per
// (environment, module) pair, guarding concurrent DeploymentExecutions
// against the same target) with a Redis backend, a
// Postgres row-based backend, and an in-memory backend for single-process
// use and tests. Every backend returns a fencing token: a monotonically
// increasing integer stamped at Acquire time that callers must present
// back to a protected resource so a lock holder that outlives its lease
// (a GC pause, a network partition) cannot clobber a newer holder's work.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Release/Renew when the handle's fencing token
// no longer matches the stored lock (it expired or was stolen).
var ErrNotHeld = errors.New("lock: not held")

// ErrAlreadyHeld is returned by Acquire when the lock is currently held by
// another owner and no wait timeout (or an exhausted one) was given.
var ErrAlreadyHeld = errors.New("lock: already held")

// Handle is the receipt returned by a successful Acquire. Callers pass it
// back to Release/Renew, and pass FencingToken to the protected resource
// so stale holders can be rejected.
type Handle struct {
	Name         string
	Owner        string
	FencingToken int64
	ExpiresAt    time.Time
}

// Locker is the Distributed Lock contract. Implementations must make
// Acquire atomic with respect to other Acquire calls on the same name, and
// Release/Renew must no-op (return ErrNotHeld) if the caller's fencing
// token is not the current one — this is what makes the lock safe even
// when a holder's process has already been superseded by a lease timeout.
type Locker interface {
	// Acquire blocks until the lock is obtained, ctx is cancelled, or
	// waitTimeout elapses (0 means a single non-blocking attempt).
	Acquire(ctx context.Context, name string, ttl, waitTimeout time.Duration) (*Handle, error)

	// Release gives up the lock. If the handle's fencing token does not
	// match the current holder (the lease already moved on), it leaves
	// the stored lock untouched and returns ErrNotHeld.
	Release(ctx context.Context, h *Handle) error

	// Renew extends ttl on a held lock without changing its fencing
	// token. Returns ErrNotHeld if the handle is stale.
	Renew(ctx context.Context, h *Handle, ttl time.Duration) error
}
