package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CheckOrInsert_FirstCallInserts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ref, inserted, err := s.CheckOrInsert(ctx, "key-1", "exec-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "exec-1", ref)
}

func TestMemoryStore_CheckOrInsert_SecondCallReturnsExisting(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _, err := s.CheckOrInsert(ctx, "key-1", "exec-1", time.Minute)
	require.NoError(t, err)

	ref, inserted, err := s.CheckOrInsert(ctx, "key-1", "exec-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "exec-1", ref)
}

func TestMemoryStore_CheckOrInsert_ExpiredRecordIsReplaced(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _, err := s.CheckOrInsert(ctx, "key-1", "exec-1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	ref, inserted, err := s.CheckOrInsert(ctx, "key-1", "exec-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "exec-2", ref)
}

func TestMemoryStore_Get_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, found, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_Get_ExpiredIsNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _, err := s.CheckOrInsert(ctx, "key-1", "exec-1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, found, err := s.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, found)
}
