package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// MemoryQueue is an in-process Queue for the Lite profile and tests. It
// implements the same claim/retry/sweep contract as PostgresQueue using a
// mutex instead of row-level locks.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	backoff BackoffSchedule
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*domain.Job), backoff: DefaultBackoff}
}

// SetBackoff replaces the retry schedule. Not safe to call after Start.
func (q *MemoryQueue) SetBackoff(s BackoffSchedule) { q.backoff = s }

func (q *MemoryQueue) Enqueue(ctx context.Context, executionID string, payload []byte, priority, maxRetries int) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j := &domain.Job{
		ID:               domain.NewJobID(),
		DeploymentExecID: executionID,
		Status:           domain.JobPending,
		Payload:          payload,
		Priority:         priority,
		MaxRetries:       maxRetries,
		CreatedAt:        time.Now(),
	}
	q.jobs[j.ID] = j
	cp := *j
	return &cp, nil
}

func (q *MemoryQueue) Claim(ctx context.Context, workerID string, n int, lease time.Duration) ([]*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var claimable []*domain.Job
	for _, j := range q.jobs {
		if j.Status != domain.JobPending {
			continue
		}
		if j.RetryCount >= j.MaxRetries {
			continue
		}
		if !j.NextRetryAt.IsZero() && j.NextRetryAt.After(now) {
			continue
		}
		claimable = append(claimable, j)
	}
	sort.Slice(claimable, func(i, k int) bool {
		if claimable[i].Priority != claimable[k].Priority {
			return claimable[i].Priority > claimable[k].Priority
		}
		return claimable[i].CreatedAt.Before(claimable[k].CreatedAt)
	})
	if len(claimable) > n {
		claimable = claimable[:n]
	}

	claimed := make([]*domain.Job, 0, len(claimable))
	for _, j := range claimable {
		j.Status = domain.JobRunning
		j.LockedUntil = now.Add(lease)
		j.ProcessingInstance = workerID
		j.StartedAt = now
		cp := *j
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.owned(jobID, workerID)
	if err != nil {
		return err
	}
	j.Status = domain.JobSucceeded
	j.EndedAt = time.Now()
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, jobID, workerID, errMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.owned(jobID, workerID)
	if err != nil {
		return err
	}
	j.RetryCount++
	j.Status = domain.JobPending
	j.ErrorMessage = errMessage
	j.NextRetryAt = time.Now().Add(q.backoff.Delay(j.RetryCount))
	j.LockedUntil = time.Time{}
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID, workerID, errMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, err := q.owned(jobID, workerID)
	if err != nil {
		return err
	}
	j.Status = domain.JobFailed
	j.ErrorMessage = errMessage
	j.EndedAt = time.Now()
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	switch j.Status {
	case domain.JobSucceeded, domain.JobFailed, domain.JobCancelled:
		return nil
	}
	j.Status = domain.JobCancelled
	j.EndedAt = time.Now()
	return nil
}

func (q *MemoryQueue) SweepStaleLeases(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	n := 0
	for _, j := range q.jobs {
		if j.Status == domain.JobRunning && j.LockedUntil.Before(now) {
			j.Status = domain.JobPending
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) owned(jobID, workerID string) (*domain.Job, error) {
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.ProcessingInstance != workerID {
		return nil, ErrNotOwner
	}
	return j, nil
}
