package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// insertSQL claims a fresh idempotency key, or reclaims one whose
// previous record has expired (the request space was reused after the
// original record's TTL elapsed).
const insertSQL = `
INSERT INTO idempotency (key, value_ref, created_at, expires_at)
VALUES ($1, $2, now(), now() + $3::interval)
ON CONFLICT (key) DO UPDATE
	SET value_ref = EXCLUDED.value_ref, created_at = now(), expires_at = EXCLUDED.expires_at
	WHERE idempotency.expires_at < now()
RETURNING value_ref
`

const selectSQL = `SELECT value_ref FROM idempotency WHERE key = $1 AND expires_at >= now()`

// PostgresStore is the default, durable Store backend, one row per key
// in the `idempotency` relation.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "idempotency")}
}

func (s *PostgresStore) CheckOrInsert(ctx context.Context, key, valueRef string, ttl time.Duration) (string, bool, error) {
	var returned string
	err := s.pool.QueryRow(ctx, insertSQL, key, valueRef, ttl.String()).Scan(&returned)
	switch {
	case err == nil:
		if returned == valueRef {
			return valueRef, true, nil
		}
		// a concurrent caller's UPDATE won the race after our own INSERT
		// attempt conflicted — rare, but means this call did not insert.
		return returned, false, nil
	case errors.Is(err, pgx.ErrNoRows):
		existing, found, getErr := s.Get(ctx, key)
		if getErr != nil {
			return "", false, getErr
		}
		if !found {
			return "", false, fmt.Errorf("idempotency: race on key %q: no row after failed insert", key)
		}
		return existing, false, nil
	default:
		return "", false, fmt.Errorf("idempotency: postgres check-or-insert %q: %w", key, err)
	}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var valueRef string
	err := s.pool.QueryRow(ctx, selectSQL, key).Scan(&valueRef)
	switch {
	case err == nil:
		return valueRef, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("idempotency: postgres get %q: %w", key, err)
	}
}
