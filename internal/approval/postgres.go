package approval

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

const insertSQL = `
INSERT INTO approval_requests
	(id, execution_id, module_name, version, environment, requester_email, approver_emails, status, requested_at, timeout_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const selectByExecSQL = `
SELECT id, execution_id, module_name, version, environment, requester_email, approver_emails,
       status, requested_at, timeout_at, responded_at, responded_by, response_reason
FROM approval_requests WHERE execution_id = $1
`

const decideSQL = `
UPDATE approval_requests
SET status = $2, responded_at = now(), responded_by = $3, response_reason = $4
WHERE execution_id = $1 AND status = 'pending'
RETURNING id, execution_id, module_name, version, environment, requester_email, approver_emails,
          status, requested_at, timeout_at, responded_at, responded_by, response_reason
`

const expirePendingSQL = `
UPDATE approval_requests
SET status = 'expired', responded_at = $1, response_reason = 'approval timed out'
WHERE status = 'pending' AND timeout_at <= $1
RETURNING id, execution_id, module_name, version, environment, requester_email, approver_emails,
          status, requested_at, timeout_at, responded_at, responded_by, response_reason
`

// PostgresStore is the default, durable Store backend, one row per
// execution in the `approval_requests` relation.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "approval")}
}

func (s *PostgresStore) Create(ctx context.Context, req *domain.ApprovalRequest) error {
	_, err := s.pool.Exec(ctx, insertSQL,
		req.ApprovalID, req.DeploymentExecID, string(req.ModuleName), req.Version.String(), string(req.Environment),
		req.RequesterEmail, req.ApproverEmails, string(req.Status), req.RequestedAt, req.TimeoutAt)
	var pgErr interface{ Code() string }
	if errors.As(err, &pgErr) && pgErr.Code() == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("approval: postgres create %q: %w", req.DeploymentExecID, err)
	}
	return nil
}

func (s *PostgresStore) GetByExecutionID(ctx context.Context, executionID string) (*domain.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, selectByExecSQL, executionID)
	req, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approval: postgres get %q: %w", executionID, err)
	}
	return req, nil
}

func (s *PostgresStore) Decide(ctx context.Context, executionID string, status domain.ApprovalStatus, approver, reason string) (*domain.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, decideSQL, executionID, string(status), approver, reason)
	req, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrApprovalTerminal
	}
	if err != nil {
		return nil, fmt.Errorf("approval: postgres decide %q: %w", executionID, err)
	}
	return req, nil
}

func (s *PostgresStore) ExpirePending(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, expirePendingSQL, now)
	if err != nil {
		return nil, fmt.Errorf("approval: postgres expire-pending: %w", err)
	}
	defer rows.Close()

	var expired []*domain.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("approval: postgres expire-pending scan: %w", err)
		}
		expired = append(expired, req)
	}
	return expired, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(row scanner) (*domain.ApprovalRequest, error) {
	var (
		req                       domain.ApprovalRequest
		moduleName, version, env  string
		status                    string
		respondedAt               *time.Time
	)
	err := row.Scan(&req.ApprovalID, &req.DeploymentExecID, &moduleName, &version, &env,
		&req.RequesterEmail, &req.ApproverEmails, &status, &req.RequestedAt, &req.TimeoutAt,
		&respondedAt, &req.RespondedByEmail, &req.ResponseReason)
	if err != nil {
		return nil, err
	}
	req.ModuleName = domain.ModuleName(moduleName)
	req.Environment = domain.Environment(env)
	req.Status = domain.ApprovalStatus(status)
	if v, verr := domain.ParseVersion(version); verr == nil {
		req.Version = v
	}
	if respondedAt != nil {
		req.RespondedAt = *respondedAt
	}
	return &req, nil
}
