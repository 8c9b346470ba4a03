package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// claimSQL selects claimable jobs and locks the rows so concurrent
// claimants never pick the same one, then flips them to running in the
// same statement.
const claimSQL = `
WITH claimable AS (
	SELECT id FROM jobs
	WHERE status = 'pending' AND (locked_until IS NULL OR locked_until <= now())
		AND retry_count < max_retries
		AND (next_retry_at IS NULL OR next_retry_at <= now())
	ORDER BY priority DESC, created_at ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
UPDATE jobs SET status = 'running', locked_until = now() + $2::interval,
	processing_instance = $3, started_at = now()
WHERE id IN (SELECT id FROM claimable)
RETURNING id, execution_id, status, payload, priority, retry_count, max_retries,
	next_retry_at, locked_until, processing_instance, created_at, started_at, ended_at, error_message
`

const enqueueSQL = `
INSERT INTO jobs (id, execution_id, status, payload, priority, max_retries, created_at)
VALUES ($1, $2, 'pending', $3, $4, $5, now())
RETURNING id, execution_id, status, payload, priority, retry_count, max_retries,
	next_retry_at, locked_until, processing_instance, created_at, started_at, ended_at, error_message
`

const completeSQL = `UPDATE jobs SET status = 'succeeded', ended_at = now() WHERE id = $1 AND processing_instance = $2`

const retrySQL = `
UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
	next_retry_at = now() + $3::interval, error_message = $2, locked_until = NULL
WHERE id = $1 AND processing_instance = $4
`

const failSQL = `UPDATE jobs SET status = 'failed', error_message = $2, ended_at = now() WHERE id = $1 AND processing_instance = $3`

const cancelSQL = `UPDATE jobs SET status = 'cancelled', ended_at = now() WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'cancelled')`

const sweepSQL = `UPDATE jobs SET status = 'pending' WHERE status = 'running' AND locked_until < now()`

// PostgresQueue is the durable Queue backend.
type PostgresQueue struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	backoff BackoffSchedule
}

func NewPostgresQueue(pool *pgxpool.Pool, logger *slog.Logger) *PostgresQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueue{pool: pool, logger: logger.With("component", "queue"), backoff: DefaultBackoff}
}

// SetBackoff replaces the retry schedule. Not safe to call once workers run.
func (q *PostgresQueue) SetBackoff(s BackoffSchedule) { q.backoff = s }

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var nextRetryAt, lockedUntil, startedAt, endedAt *time.Time
	if err := row.Scan(&j.ID, &j.DeploymentExecID, &j.Status, &j.Payload, &j.Priority,
		&j.RetryCount, &j.MaxRetries, &nextRetryAt, &lockedUntil, &j.ProcessingInstance,
		&j.CreatedAt, &startedAt, &endedAt, &j.ErrorMessage); err != nil {
		return nil, err
	}
	if nextRetryAt != nil {
		j.NextRetryAt = *nextRetryAt
	}
	if lockedUntil != nil {
		j.LockedUntil = *lockedUntil
	}
	if startedAt != nil {
		j.StartedAt = *startedAt
	}
	if endedAt != nil {
		j.EndedAt = *endedAt
	}
	return &j, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, executionID string, payload []byte, priority, maxRetries int) (*domain.Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx, enqueueSQL, domain.NewJobID(), executionID, payload, priority, maxRetries))
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	return job, nil
}

func (q *PostgresQueue) Claim(ctx context.Context, workerID string, n int, lease time.Duration) ([]*domain.Job, error) {
	rows, err := q.pool.Query(ctx, claimSQL, n, lease.String(), workerID)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: claim scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (q *PostgresQueue) Complete(ctx context.Context, jobID, workerID string) error {
	return q.execOwned(ctx, completeSQL, jobID, workerID)
}

func (q *PostgresQueue) Retry(ctx context.Context, jobID, workerID, errMessage string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	backoff := q.backoff.Delay(job.RetryCount + 1)
	tag, err := q.pool.Exec(ctx, retrySQL, jobID, errMessage, backoff.String(), workerID)
	if err != nil {
		return fmt.Errorf("queue: retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, jobID, workerID, errMessage string) error {
	return q.execOwned(ctx, failSQL, jobID, errMessage, workerID)
}

func (q *PostgresQueue) Cancel(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, cancelSQL, jobID)
	if err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Nothing changed: the job is already terminal (a no-op) or missing.
		if _, err := q.load(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (q *PostgresQueue) SweepStaleLeases(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, sweepSQL)
	if err != nil {
		return 0, fmt.Errorf("queue: sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PostgresQueue) execOwned(ctx context.Context, sql string, args ...any) error {
	tag, err := q.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

func (q *PostgresQueue) load(ctx context.Context, jobID string) (*domain.Job, error) {
	row := q.pool.QueryRow(ctx, `SELECT id, execution_id, status, payload, priority, retry_count, max_retries,
		next_retry_at, locked_until, processing_instance, created_at, started_at, ended_at, error_message
		FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("queue: load: %w", err)
	}
	return job, nil
}
