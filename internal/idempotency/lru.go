package idempotency

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cached holds a value alongside the wall-clock time the cache entry
// expires: the caller's ttl after CheckOrInsert, one minute after Get. The
// cache does not see the durable record's own expiry, so an entry can
// outlive a record the durable store already considers stale.
type cached struct {
	valueRef string
	expires  time.Time
}

// CachingStore wraps a durable Store with a bounded in-process read-through
// cache, avoiding a round trip to Postgres/Redis for keys seen recently —
// CreateDeployment calls land in bursts from retried clients.
type CachingStore struct {
	inner  Store
	cache  *lru.Cache[string, cached]
	logger *slog.Logger
}

// NewCachingStore wraps inner with an LRU of at most size entries.
func NewCachingStore(inner Store, size int, logger *slog.Logger) (*CachingStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := lru.New[string, cached](size)
	if err != nil {
		return nil, err
	}
	return &CachingStore{inner: inner, cache: c, logger: logger.With("component", "idempotency")}, nil
}

func (s *CachingStore) CheckOrInsert(ctx context.Context, key, valueRef string, ttl time.Duration) (string, bool, error) {
	if hit, ok := s.cache.Get(key); ok && hit.expires.After(time.Now()) {
		return hit.valueRef, false, nil
	}

	existing, inserted, err := s.inner.CheckOrInsert(ctx, key, valueRef, ttl)
	if err != nil {
		return "", false, err
	}
	s.cache.Add(key, cached{valueRef: existing, expires: time.Now().Add(ttl)})
	return existing, inserted, nil
}

func (s *CachingStore) Get(ctx context.Context, key string) (string, bool, error) {
	if hit, ok := s.cache.Get(key); ok && hit.expires.After(time.Now()) {
		return hit.valueRef, true, nil
	}

	valueRef, found, err := s.inner.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if found {
		s.cache.Add(key, cached{valueRef: valueRef, expires: time.Now().Add(time.Minute)})
	}
	return valueRef, found, nil
}
