package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T) *RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, "test", nil)
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	l := newTestRedisLocker(t)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "env:production", time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.FencingToken)

	_, err = l.Acquire(ctx, "env:production", time.Second, 0)
	assert.ErrorIs(t, err, ErrAlreadyHeld)

	require.NoError(t, l.Release(ctx, h))

	h2, err := l.Acquire(ctx, "env:production", time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h2.FencingToken, "fencing token must increase across reacquisitions")
}

func TestRedisLocker_ReleaseStaleHandleIsNoop(t *testing.T) {
	l := newTestRedisLocker(t)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "env:staging", time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, h))

	// h's token is no longer current; releasing again must not error into
	// deleting someone else's lock.
	err = l.Release(ctx, h)
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestRedisLocker_Renew(t *testing.T) {
	l := newTestRedisLocker(t)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "env:qa", time.Second, 0)
	require.NoError(t, err)

	require.NoError(t, l.Renew(ctx, h, 5*time.Second))
	assert.WithinDuration(t, time.Now().Add(5*time.Second), h.ExpiresAt, time.Second)
}

func TestMemoryLocker_FencingTokenMonotonic(t *testing.T) {
	l := NewMemoryLocker("test")
	ctx := context.Background()

	h1, err := l.Acquire(ctx, "env:dev", 50*time.Millisecond, 0)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "env:dev", time.Second, 0)
	assert.ErrorIs(t, err, ErrAlreadyHeld)

	require.NoError(t, l.Release(ctx, h1))

	h2, err := l.Acquire(ctx, "env:dev", time.Second, 0)
	require.NoError(t, err)
	assert.Greater(t, h2.FencingToken, h1.FencingToken)
}

func TestMemoryLocker_WaitTimeoutBlocksUntilExpiry(t *testing.T) {
	l := NewMemoryLocker("test")
	ctx := context.Background()

	_, err := l.Acquire(ctx, "env:dev", 50*time.Millisecond, 0)
	require.NoError(t, err)

	start := time.Now()
	h, err := l.Acquire(ctx, "env:dev", time.Second, 200*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.NotNil(t, h)
}

func TestMemoryLocker_RenewStaleHandleFails(t *testing.T) {
	l := NewMemoryLocker("test")
	ctx := context.Background()

	h, err := l.Acquire(ctx, "env:dev", time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, h))

	err = l.Renew(ctx, h, time.Second)
	assert.ErrorIs(t, err, ErrNotHeld)
}
