package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// envelope is the JSON shape stored in audit_events.payload: the typed
// per-variant payload plus the module/environment labels the relation
// itself has no columns for.
type envelope struct {
	ModuleName  domain.ModuleName  `json:"moduleName,omitempty"`
	Environment domain.Environment `json:"environment,omitempty"`
	Detail      any                `json:"detail"`
}

// PostgresStore appends events to the append-only `audit_events` relation.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "audit_store")}
}

const insertEventSQL = `
INSERT INTO audit_events (event_id, execution_id, event_type, trace_id, span_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(envelope{ModuleName: event.ModuleName, Environment: event.Environment, Detail: event.Payload})
	if err != nil {
		return fmt.Errorf("audit: marshal payload for %q: %w", event.Type, err)
	}
	_, err = s.pool.Exec(ctx, insertEventSQL, domain.NewEventID(), event.ExecutionID, string(event.Type),
		event.TraceID, event.SpanID, payload, event.Timestamp)
	if err != nil {
		return fmt.Errorf("audit: append event %q for %q: %w", event.Type, event.ExecutionID, err)
	}
	return nil
}
