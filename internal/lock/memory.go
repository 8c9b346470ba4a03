package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is an in-process Locker for the embedded Lite profile and
// for tests that don't need a real Redis or Postgres instance.
type MemoryLocker struct {
	mu          sync.Mutex
	held        map[string]*Handle
	nextToken   int64
	valuePrefix string
}

func NewMemoryLocker(valuePrefix string) *MemoryLocker {
	if valuePrefix == "" {
		valuePrefix = "orchestrator-lock"
	}
	return &MemoryLocker{held: make(map[string]*Handle), valuePrefix: valuePrefix}
}

func (m *MemoryLocker) tryAcquire(name string, ttl time.Duration) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.held[name]; ok && time.Now().Before(h.ExpiresAt) {
		return nil
	}

	m.nextToken++
	h := &Handle{
		Name:         name,
		Owner:        m.valuePrefix + "-" + uuid.New().String(),
		FencingToken: m.nextToken,
		ExpiresAt:    time.Now().Add(ttl),
	}
	m.held[name] = h
	copyOut := *h
	return &copyOut
}

func (m *MemoryLocker) Acquire(ctx context.Context, name string, ttl, waitTimeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(waitTimeout)
	for {
		if h := m.tryAcquire(name, ttl); h != nil {
			return h, nil
		}
		if waitTimeout <= 0 || time.Now().After(deadline) {
			return nil, ErrAlreadyHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *MemoryLocker) Release(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[h.Name]
	if !ok || cur.FencingToken != h.FencingToken {
		return ErrNotHeld
	}
	delete(m.held, h.Name)
	return nil
}

func (m *MemoryLocker) Renew(ctx context.Context, h *Handle, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[h.Name]
	if !ok || cur.FencingToken != h.FencingToken {
		return ErrNotHeld
	}
	cur.ExpiresAt = time.Now().Add(ttl)
	h.ExpiresAt = cur.ExpiresAt
	return nil
}
