package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// acquireSQL takes over a row in `locks` if it does not exist yet, or if
// its lease has expired — either way bumping fencing_token from the
// shared `lock_fencing_token_seq` so every successful Acquire, including
// one that steals an abandoned lease, gets a token strictly greater than
// any token seen before it.
const acquireSQL = `
INSERT INTO locks (name, owner, fencing_token, acquired_at, expires_at)
VALUES ($1, $2, nextval('lock_fencing_token_seq'), now(), now() + $3::interval)
ON CONFLICT (name) DO UPDATE
	SET owner = EXCLUDED.owner,
	    fencing_token = nextval('lock_fencing_token_seq'),
	    acquired_at = now(),
	    expires_at = EXCLUDED.expires_at
	WHERE locks.expires_at < now()
RETURNING fencing_token
`

const releaseSQL = `DELETE FROM locks WHERE name = $1 AND fencing_token = $2`

const renewSQL = `UPDATE locks SET expires_at = now() + $3::interval WHERE name = $1 AND fencing_token = $2`

// PostgresLocker is the default Locker backend: a row in `locks`
// guarded by the database's own transactional semantics, no
// external coordination service required.
type PostgresLocker struct {
	pool         *pgxpool.Pool
	logger       *slog.Logger
	valuePrefix  string
	pollInterval time.Duration
}

func NewPostgresLocker(pool *pgxpool.Pool, valuePrefix string, logger *slog.Logger) *PostgresLocker {
	if logger == nil {
		logger = slog.Default()
	}
	if valuePrefix == "" {
		valuePrefix = "orchestrator-lock"
	}
	return &PostgresLocker{pool: pool, logger: logger, valuePrefix: valuePrefix, pollInterval: 100 * time.Millisecond}
}

func (p *PostgresLocker) Acquire(ctx context.Context, name string, ttl, waitTimeout time.Duration) (*Handle, error) {
	owner := p.valuePrefix + "-" + uuid.New().String()
	deadline := time.Now().Add(waitTimeout)

	for {
		var token int64
		err := p.pool.QueryRow(ctx, acquireSQL, name, owner, ttl.String()).Scan(&token)
		switch {
		case err == nil:
			p.logger.Debug("lock acquired", "name", name, "owner", owner, "fencing_token", token)
			return &Handle{Name: name, Owner: owner, FencingToken: token, ExpiresAt: time.Now().Add(ttl)}, nil
		case errors.Is(err, pgx.ErrNoRows):
			// held by another owner whose lease has not expired
		default:
			return nil, fmt.Errorf("lock: postgres acquire %q: %w", name, err)
		}

		if waitTimeout <= 0 || time.Now().After(deadline) {
			return nil, ErrAlreadyHeld
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *PostgresLocker) Release(ctx context.Context, h *Handle) error {
	tag, err := p.pool.Exec(ctx, releaseSQL, h.Name, h.FencingToken)
	if err != nil {
		return fmt.Errorf("lock: postgres release %q: %w", h.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotHeld
	}
	return nil
}

func (p *PostgresLocker) Renew(ctx context.Context, h *Handle, ttl time.Duration) error {
	tag, err := p.pool.Exec(ctx, renewSQL, h.Name, h.FencingToken, ttl.String())
	if err != nil {
		return fmt.Errorf("lock: postgres renew %q: %w", h.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotHeld
	}
	h.ExpiresAt = time.Now().Add(ttl)
	return nil
}
