package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

const insertSQL = `
INSERT INTO messages (message_id, topic, schema_version, payload, priority, headers, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', now())
`

// claimSQL uses the same FOR UPDATE SKIP LOCKED pattern as the job queue
// so two consumers never claim the same message.
const claimSQL = `
WITH claimable AS (
	SELECT id FROM messages
	WHERE topic = $1 AND status = 'pending' AND (locked_until IS NULL OR locked_until <= now())
	ORDER BY priority DESC, created_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE messages SET status = 'processing', locked_until = now() + $3::interval, processing_instance = $4
WHERE id IN (SELECT id FROM claimable)
RETURNING message_id, topic, schema_version, payload, priority, headers, status,
	delivery_attempts, locked_until, processing_instance, created_at, acknowledged_at, error_message
`

const ackSQL = `UPDATE messages SET status = 'acked', acknowledged_at = now() WHERE message_id = $1 AND processing_instance = $2`

const retrySQL = `
UPDATE messages SET
	status = CASE WHEN delivery_attempts + 1 >= $3 THEN 'dead_letter' ELSE 'pending' END,
	delivery_attempts = delivery_attempts + 1,
	error_message = $2,
	locked_until = NULL
WHERE message_id = $1 AND processing_instance = $4
`

const sweepSQL = `UPDATE messages SET status = 'pending' WHERE status = 'processing' AND locked_until < now()`

// PostgresStore is the durable Store backend.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "bus")}
}

func (s *PostgresStore) Insert(ctx context.Context, msg *domain.Message) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("bus: marshal headers: %w", err)
	}
	_, err = s.pool.Exec(ctx, insertSQL, msg.MessageID, msg.Topic, msg.SchemaVersion, msg.Payload, msg.Priority, headers)
	if err != nil {
		return fmt.Errorf("bus: insert: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	var headers []byte
	var lockedUntil, ackedAt *time.Time
	if err := row.Scan(&m.MessageID, &m.Topic, &m.SchemaVersion, &m.Payload, &m.Priority, &headers,
		&m.Status, &m.DeliveryAttempts, &lockedUntil, &m.ProcessingInstance, &m.CreatedAt, &ackedAt, &m.ErrorMessage); err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &m.Headers); err != nil {
			return nil, fmt.Errorf("bus: unmarshal headers: %w", err)
		}
	}
	if lockedUntil != nil {
		m.LockedUntil = *lockedUntil
	}
	if ackedAt != nil {
		m.AcknowledgedAt = *ackedAt
	}
	return &m, nil
}

func (s *PostgresStore) Claim(ctx context.Context, topic, workerID string, n int, lease time.Duration) ([]*domain.Message, error) {
	rows, err := s.pool.Query(ctx, claimSQL, topic, n, lease.String(), workerID)
	if err != nil {
		return nil, fmt.Errorf("bus: claim: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("bus: claim scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ack(ctx context.Context, messageID, workerID string) error {
	tag, err := s.pool.Exec(ctx, ackSQL, messageID, workerID)
	if err != nil {
		return fmt.Errorf("bus: ack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) Retry(ctx context.Context, messageID, workerID, errMessage string, maxRetries int) error {
	tag, err := s.pool.Exec(ctx, retrySQL, messageID, errMessage, maxRetries, workerID)
	if err != nil {
		return fmt.Errorf("bus: retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) SweepStaleLeases(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, sweepSQL)
	if err != nil {
		return 0, fmt.Errorf("bus: sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
