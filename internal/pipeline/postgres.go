package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// PostgresStore is the default, durable Store backend.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "pipeline_store")}
}

const insertExecutionSQL = `
INSERT INTO deployment_executions
	(id, module_name, version, environment, strategy, status, requester, description, message,
	 trace_id, force, require_approval, metadata, previous_versions, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', $9, $10, $11, $12, '{}', now())
`

func (s *PostgresStore) Create(ctx context.Context, exec *domain.DeploymentExecution) error {
	meta, _ := json.Marshal(exec.Metadata)
	_, err := s.pool.Exec(ctx, insertExecutionSQL,
		exec.ExecutionID, string(exec.ModuleName), exec.TargetVersion.String(), string(exec.Environment),
		string(exec.Strategy), string(exec.Status), exec.RequesterEmail, exec.Description,
		exec.TraceID, exec.Force, exec.RequireApproval, meta)
	if err != nil {
		return fmt.Errorf("pipeline: postgres create execution %q: %w", exec.ExecutionID, err)
	}
	return nil
}

const selectExecutionSQL = `
SELECT id, module_name, version, environment, strategy, status, requester, description, message,
       trace_id, force, require_approval, metadata, previous_versions, created_at, started_at, ended_at
FROM deployment_executions WHERE id = $1
`

func (s *PostgresStore) Get(ctx context.Context, executionID string) (*domain.DeploymentExecution, error) {
	exec, err := s.scanExecution(ctx, s.pool.QueryRow(ctx, selectExecutionSQL, executionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: postgres get %q: %w", executionID, err)
	}

	exec.Stages, err = s.loadStages(ctx, executionID)
	if err != nil {
		return nil, err
	}
	exec.NodeResults, err = s.loadNodeResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *PostgresStore) scanExecution(_ context.Context, row pgx.Row) (*domain.DeploymentExecution, error) {
	var (
		exec                            domain.DeploymentExecution
		moduleName, version, env, strat string
		status                          string
		metaRaw, prevRaw                []byte
		startedAt, endedAt              *time.Time
	)
	err := row.Scan(&exec.ExecutionID, &moduleName, &version, &env, &strat, &status, &exec.RequesterEmail,
		&exec.Description, &exec.Message, &exec.TraceID, &exec.Force, &exec.RequireApproval,
		&metaRaw, &prevRaw, &exec.CreatedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	exec.ModuleName = domain.ModuleName(moduleName)
	exec.Environment = domain.Environment(env)
	exec.Strategy = domain.Strategy(strat)
	exec.Status = domain.ExecutionStatus(status)
	if v, verr := domain.ParseVersion(version); verr == nil {
		exec.TargetVersion = v
	}
	if startedAt != nil {
		exec.StartedAt = *startedAt
	}
	if endedAt != nil {
		exec.EndedAt = *endedAt
	}
	_ = json.Unmarshal(metaRaw, &exec.Metadata)
	var prevStrs map[string]string
	_ = json.Unmarshal(prevRaw, &prevStrs)
	exec.PreviousVersions = make(map[string]domain.Version, len(prevStrs))
	for k, vs := range prevStrs {
		if v, verr := domain.ParseVersion(vs); verr == nil {
			exec.PreviousVersions[k] = v
		}
	}
	return &exec, nil
}

const selectStagesSQL = `
SELECT name, status, started_at, ended_at, message, context FROM deployment_stages
WHERE execution_id = $1 ORDER BY seq ASC
`

func (s *PostgresStore) loadStages(ctx context.Context, executionID string) ([]domain.Stage, error) {
	rows, err := s.pool.Query(ctx, selectStagesSQL, executionID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: postgres load stages %q: %w", executionID, err)
	}
	defer rows.Close()

	var stages []domain.Stage
	for rows.Next() {
		var (
			st                  domain.Stage
			name, status        string
			startedAt, endedAt  *time.Time
			ctxRaw              []byte
		)
		if err := rows.Scan(&name, &status, &startedAt, &endedAt, &st.Message, &ctxRaw); err != nil {
			return nil, err
		}
		st.Name = domain.StageName(name)
		st.Status = domain.StageStatus(status)
		if startedAt != nil {
			st.StartedAt = *startedAt
		}
		if endedAt != nil {
			st.EndedAt = *endedAt
		}
		_ = json.Unmarshal(ctxRaw, &st.Context)
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

const selectNodeResultsSQL = `
SELECT node_id, from_version, to_version, status, duration_ms, error, retry_count, rolled_back
FROM deployment_node_results WHERE execution_id = $1 ORDER BY id ASC
`

func (s *PostgresStore) loadNodeResults(ctx context.Context, executionID string) ([]domain.NodeResult, error) {
	rows, err := s.pool.Query(ctx, selectNodeResultsSQL, executionID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: postgres load node results %q: %w", executionID, err)
	}
	defer rows.Close()

	var results []domain.NodeResult
	for rows.Next() {
		var nr domain.NodeResult
		var fromV, toV, status string
		if err := rows.Scan(&nr.NodeID, &fromV, &toV, &status, &nr.DurationMs, &nr.Error, &nr.RetryCount, &nr.RolledBack); err != nil {
			return nil, err
		}
		nr.Status = domain.NodeResultStatus(status)
		if v, verr := domain.ParseVersion(fromV); verr == nil {
			nr.FromVersion = v
		}
		if v, verr := domain.ParseVersion(toV); verr == nil {
			nr.ToVersion = v
		}
		results = append(results, nr)
	}
	return results, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*domain.DeploymentExecution, error) {
	query := `SELECT id FROM deployment_executions WHERE ($1 = '' OR module_name = $1) AND ($2 = '' OR environment = $2) AND ($3 = '' OR status = $3) AND ($4::timestamptz IS NULL OR created_at >= $4) AND ($5::timestamptz IS NULL OR created_at <= $5) ORDER BY created_at DESC`
	args := []any{string(filter.ModuleName), string(filter.Environment), string(filter.Status), filter.CreatedFrom, filter.CreatedTo}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: postgres list: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.DeploymentExecution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, message string) error {
	current, err := s.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(current.Status, status) {
		return &domain.TransitionError{From: string(current.Status), To: string(status)}
	}

	var query string
	if status.Terminal() {
		query = `UPDATE deployment_executions SET status = $2, message = $3, ended_at = now(), started_at = COALESCE(started_at, now()) WHERE id = $1`
	} else {
		query = `UPDATE deployment_executions SET status = $2, message = $3, started_at = COALESCE(started_at, now()) WHERE id = $1`
	}
	if _, err := s.pool.Exec(ctx, query, executionID, string(status), message); err != nil {
		return fmt.Errorf("pipeline: postgres update status %q: %w", executionID, err)
	}
	return nil
}

const upsertStageSQL = `
INSERT INTO deployment_stages (execution_id, name, status, started_at, ended_at, message, context, seq)
VALUES ($1, $2, $3, $4, $5, $6, $7,
	COALESCE((SELECT seq FROM deployment_stages WHERE execution_id = $1 AND name = $2 AND status = 'running' ORDER BY seq DESC LIMIT 1),
	         (SELECT COALESCE(MAX(seq), 0) + 1 FROM deployment_stages WHERE execution_id = $1)))
ON CONFLICT DO NOTHING
`

const deleteRunningStageSQL = `
DELETE FROM deployment_stages WHERE execution_id = $1 AND name = $2 AND status = 'running' AND seq < (
	SELECT MAX(seq) FROM deployment_stages WHERE execution_id = $1 AND name = $2
)
`

func (s *PostgresStore) UpsertStage(ctx context.Context, executionID string, stage domain.Stage) error {
	ctxRaw, _ := json.Marshal(stage.Context)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: postgres upsert stage begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var startedAt, endedAt *time.Time
	if !stage.StartedAt.IsZero() {
		startedAt = &stage.StartedAt
	}
	if !stage.EndedAt.IsZero() {
		endedAt = &stage.EndedAt
	}
	if _, err := tx.Exec(ctx, upsertStageSQL, executionID, string(stage.Name), string(stage.Status), startedAt, endedAt, stage.Message, ctxRaw); err != nil {
		return fmt.Errorf("pipeline: postgres upsert stage %q/%q: %w", executionID, stage.Name, err)
	}
	if _, err := tx.Exec(ctx, deleteRunningStageSQL, executionID, string(stage.Name)); err != nil {
		return fmt.Errorf("pipeline: postgres upsert stage cleanup %q/%q: %w", executionID, stage.Name, err)
	}
	return tx.Commit(ctx)
}

const insertNodeResultSQL = `
INSERT INTO deployment_node_results
	(execution_id, node_id, from_version, to_version, status, duration_ms, error, retry_count, rolled_back)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

func (s *PostgresStore) AppendNodeResult(ctx context.Context, executionID string, result domain.NodeResult) error {
	_, err := s.pool.Exec(ctx, insertNodeResultSQL, executionID, result.NodeID, result.FromVersion.String(),
		result.ToVersion.String(), string(result.Status), result.DurationMs, result.Error, result.RetryCount, result.RolledBack)
	if err != nil {
		return fmt.Errorf("pipeline: postgres append node result %q/%q: %w", executionID, result.NodeID, err)
	}
	return nil
}

func (s *PostgresStore) SetPreviousVersions(ctx context.Context, executionID string, versions map[string]domain.Version) error {
	strs := make(map[string]string, len(versions))
	for k, v := range versions {
		strs[k] = v.String()
	}
	raw, _ := json.Marshal(strs)
	_, err := s.pool.Exec(ctx, `UPDATE deployment_executions SET previous_versions = $2 WHERE id = $1`, executionID, raw)
	if err != nil {
		return fmt.Errorf("pipeline: postgres set previous versions %q: %w", executionID, err)
	}
	return nil
}

func (s *PostgresStore) HasActiveForModuleEnv(ctx context.Context, module domain.ModuleName, env domain.Environment, excludeExecutionID string) (bool, error) {
	const terminal = `('succeeded','failed','rolled_back','rolled_back_with_errors','rejected_approval','expired','cancelled')`
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM deployment_executions WHERE module_name = $1 AND environment = $2 AND id != $3 AND status NOT IN `+terminal+`)`,
		string(module), string(env), excludeExecutionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pipeline: postgres has-active %q/%q: %w", module, env, err)
	}
	return exists, nil
}

func (s *PostgresStore) HasTerminalDuplicate(ctx context.Context, module domain.ModuleName, version domain.Version, env domain.Environment) (bool, error) {
	const terminal = `('succeeded','failed','rolled_back','rolled_back_with_errors','rejected_approval','expired','cancelled')`
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM deployment_executions WHERE module_name = $1 AND version = $2 AND environment = $3 AND status IN `+terminal+`)`,
		string(module), version.String(), string(env)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pipeline: postgres has-terminal-duplicate %q/%q/%q: %w", module, version, env, err)
	}
	return exists, nil
}
