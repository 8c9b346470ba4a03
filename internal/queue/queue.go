// Package queue implements the Durable Job Queue: atomic skip-locked
// claim semantics, exponential retry backoff, and a stale-lease sweep so a
// worker that dies mid-lease doesn't strand its job forever.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// ErrNotOwner is returned by Complete/Retry/Fail when processingInstance
// no longer matches the caller's — the lease expired and another worker
// already reclaimed the job.
var ErrNotOwner = errors.New("queue: caller does not hold the job's lease")

// Queue is the durable job queue contract. Implementations must claim jobs
// with a row-level skip-locked pattern so two workers never run the same
// job concurrently.
type Queue interface {
	// Enqueue creates a new pending job for executionID.
	Enqueue(ctx context.Context, executionID string, payload []byte, priority int, maxRetries int) (*domain.Job, error)

	// Claim atomically selects up to n claimable jobs (Pending, with
	// retries left and any retry delay elapsed; a Running job whose lease
	// expired is claimable only after SweepStaleLeases re-arms it)
	// ordered by (priority DESC, created_at ASC),
	// marks them Running, and stamps lockedUntil/processingInstance.
	Claim(ctx context.Context, workerID string, n int, lease time.Duration) ([]*domain.Job, error)

	// Complete marks a claimed job Succeeded.
	Complete(ctx context.Context, jobID, workerID string) error

	// Retry marks a claimed job's attempt as failed but retryable,
	// re-arming it as Pending with nextRetryAt stamped by Backoff.
	Retry(ctx context.Context, jobID, workerID, errMessage string) error

	// Fail marks a claimed job permanently Failed (fatal error, or
	// retries exhausted).
	Fail(ctx context.Context, jobID, workerID, errMessage string) error

	// Cancel transitions any non-terminal job to Cancelled.
	Cancel(ctx context.Context, jobID string) error

	// SweepStaleLeases re-arms Running jobs whose lockedUntil has passed
	// back to Pending. Safe because pipeline execution is resumable.
	SweepStaleLeases(ctx context.Context) (int, error)
}

// BackoffSchedule parameterizes the exponential retry delay between job
// attempts.
type BackoffSchedule struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is the stock schedule: 5s * 2^(n-1), capped at 5 minutes.
var DefaultBackoff = BackoffSchedule{Base: 5 * time.Second, Max: 5 * time.Minute}

// Delay computes the retry delay for the given 1-based retry attempt.
func (s BackoffSchedule) Delay(retryCount int) time.Duration {
	if s.Base <= 0 {
		s.Base = DefaultBackoff.Base
	}
	if s.Max <= 0 {
		s.Max = DefaultBackoff.Max
	}
	if retryCount < 1 {
		retryCount = 1
	}
	d := s.Base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= s.Max {
			return s.Max
		}
	}
	return d
}

// Backoff computes the retry delay under the stock schedule.
func Backoff(retryCount int) time.Duration {
	return DefaultBackoff.Delay(retryCount)
}
