package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

func TestBackoff_GrowsExponentiallyAndCaps(t *testing.T) {
	assert.Equal(t, 5*time.Second, Backoff(1))
	assert.Equal(t, 10*time.Second, Backoff(2))
	assert.Equal(t, 20*time.Second, Backoff(3))
	assert.Equal(t, 5*time.Minute, Backoff(20), "must cap at 5 minutes")
}

func TestMemoryQueue_ClaimOrdersByPriorityThenAge(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	low, err := q.Enqueue(ctx, "exec-1", nil, 1, 5)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	high, err := q.Enqueue(ctx, "exec-2", nil, 9, 5)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, high.ID, claimed[0].ID, "higher priority must claim first")
	assert.Equal(t, low.ID, claimed[1].ID)
	assert.Equal(t, "worker-1", claimed[0].ProcessingInstance)
}

func TestMemoryQueue_ClaimRespectsLimit(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "exec", nil, 0, 5)
		require.NoError(t, err)
	}
	claimed, err := q.Claim(ctx, "worker-1", 2, time.Minute)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestMemoryQueue_RetryReArmsWithBackoffAndIncrementsCount(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	job, err := q.Enqueue(ctx, "exec-1", nil, 0, 5)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.Retry(ctx, job.ID, "worker-1", "transient error"))

	after := q.jobs[job.ID]
	assert.Equal(t, 1, after.RetryCount)
	assert.Equal(t, domain.JobPending, after.Status)
	assert.True(t, after.NextRetryAt.After(time.Now()))
}

func TestMemoryQueue_RetryByNonOwnerFails(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	job, err := q.Enqueue(ctx, "exec-1", nil, 0, 5)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)

	err = q.Retry(ctx, job.ID, "worker-2", "boom")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestMemoryQueue_SweepStaleLeasesReArmsExpired(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	job, err := q.Enqueue(ctx, "exec-1", nil, 0, 5)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "worker-1", 1, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	n, err := q.SweepStaleLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.JobPending, q.jobs[job.ID].Status)
}

func TestMemoryQueue_CancelIsIdempotentOnTerminalJobs(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	job, err := q.Enqueue(ctx, "exec-1", nil, 0, 5)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID, "worker-1"))

	require.NoError(t, q.Cancel(ctx, job.ID))
	assert.Equal(t, domain.JobSucceeded, q.jobs[job.ID].Status)
}
