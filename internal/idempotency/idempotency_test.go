package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, nil)
}

func TestRedisStore_CheckOrInsert_FirstCallInserts(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	ref, inserted, err := s.CheckOrInsert(ctx, "key-1", "exec-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "exec-1", ref)
}

func TestRedisStore_CheckOrInsert_SecondCallReturnsExisting(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, _, err := s.CheckOrInsert(ctx, "key-1", "exec-1", time.Minute)
	require.NoError(t, err)

	ref, inserted, err := s.CheckOrInsert(ctx, "key-1", "exec-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "exec-1", ref, "duplicate request must resolve to the original execution")
}

func TestRedisStore_Get_NotFound(t *testing.T) {
	s := newTestRedisStore(t)
	_, found, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

// fakeStore is an in-memory Store used to test CachingStore in isolation,
// counting calls so tests can assert the cache actually short-circuits them.
type fakeStore struct {
	records    map[string]string
	checkCalls int
	getCalls   int
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string]string{}} }

func (f *fakeStore) CheckOrInsert(ctx context.Context, key, valueRef string, ttl time.Duration) (string, bool, error) {
	f.checkCalls++
	if existing, ok := f.records[key]; ok {
		return existing, false, nil
	}
	f.records[key] = valueRef
	return valueRef, true, nil
}

func (f *fakeStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.getCalls++
	v, ok := f.records[key]
	return v, ok, nil
}

func TestCachingStore_CheckOrInsert_CachesSecondCall(t *testing.T) {
	inner := newFakeStore()
	s, err := NewCachingStore(inner, 16, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ref1, inserted1, err := s.CheckOrInsert(ctx, "key-1", "exec-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, inserted1)
	assert.Equal(t, "exec-1", ref1)
	assert.Equal(t, 1, inner.checkCalls)

	ref2, inserted2, err := s.CheckOrInsert(ctx, "key-1", "exec-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, inserted2)
	assert.Equal(t, "exec-1", ref2)
	assert.Equal(t, 1, inner.checkCalls, "cached hit must not reach the inner store")
}

func TestCachingStore_CheckOrInsert_ExpiredCacheEntryFallsThrough(t *testing.T) {
	inner := newFakeStore()
	s, err := NewCachingStore(inner, 16, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = s.CheckOrInsert(ctx, "key-1", "exec-1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	ref, inserted, err := s.CheckOrInsert(ctx, "key-1", "exec-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "exec-1", ref)
	assert.Equal(t, 2, inner.checkCalls, "expired cache entry must re-check the inner store")
}

func TestCachingStore_Get_MissPopulatesCache(t *testing.T) {
	inner := newFakeStore()
	inner.records["key-1"] = "exec-1"
	s, err := NewCachingStore(inner, 16, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ref, found, err := s.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "exec-1", ref)
	assert.Equal(t, 1, inner.getCalls)

	_, _, err = s.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.getCalls, "second Get must be served from cache")
}
