// Package pipeline implements the Pipeline Executor: the
// DeploymentExecution state machine, stage sequencing (Validate, Verify,
// PreflightHealth, Approve, Deploy, Stabilize, Commit), rollback
// dispatch, and per-stage/per-node event emission. Every
// resumable decision point persists enough context to continue on a
// different worker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// Filter validation errors, one sentinel per rule so tests and HTTP
// handlers can match on the exact violation.
var (
	ErrInvalidFilterLimit   = errors.New("pipeline: filter limit must be >= 0")
	ErrFilterLimitTooLarge  = errors.New("pipeline: filter limit must be <= 1000")
	ErrInvalidFilterOffset  = errors.New("pipeline: filter offset must be >= 0")
	ErrInvalidFilterStatus  = errors.New("pipeline: invalid filter status")
	ErrInvalidFilterTimeRange = errors.New("pipeline: invalid time range: 'from' must be before 'to'")
)

// Store is the durable persistence contract for DeploymentExecutions and
// their owned stages/node results. Implementations must
// make stage/status transitions atomic so a crash mid-write never leaves
// an execution readable in an inconsistent state.
type Store interface {
	Create(ctx context.Context, exec *domain.DeploymentExecution) error
	Get(ctx context.Context, executionID string) (*domain.DeploymentExecution, error)
	List(ctx context.Context, filter Filter) ([]*domain.DeploymentExecution, error)

	// UpdateStatus transitions status and, for a terminal status, stamps
	// endedAt. Implementations must reject (return
	// domain.ErrInvalidTransition) a transition domain.CanTransition
	// disallows.
	UpdateStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, message string) error

	// UpsertStage appends a new stage row, or updates the most recent row
	// for the same name in place while it is Running (so resumable
	// context updates don't grow the append-only log — the
	// stage is append-only only across distinct attempts, not per
	// progress tick).
	UpsertStage(ctx context.Context, executionID string, stage domain.Stage) error

	AppendNodeResult(ctx context.Context, executionID string, result domain.NodeResult) error

	// SetPreviousVersions snapshots each node's pre-Deploy version, read
	// back by Rollback.
	SetPreviousVersions(ctx context.Context, executionID string, versions map[string]domain.Version) error

	// HasActiveForModuleEnv reports whether a non-terminal execution
	// already exists for (module, env), excluding excludeExecutionID.
	HasActiveForModuleEnv(ctx context.Context, module domain.ModuleName, env domain.Environment, excludeExecutionID string) (bool, error)

	// HasTerminalDuplicate reports whether a terminal, non-force execution
	// already exists for the same (module, version, env) ; the
	// Validate stage uses this for its duplicate check.
	HasTerminalDuplicate(ctx context.Context, module domain.ModuleName, version domain.Version, env domain.Environment) (bool, error)
}

// Filter narrows ListDeployments.
type Filter struct {
	ModuleName  domain.ModuleName
	Environment domain.Environment
	Status      domain.ExecutionStatus
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
	Offset      int
}

const maxFilterLimit = 1000

// Validate rejects a malformed ListDeployments filter before it reaches a
// Store implementation, keeping limit/offset within sane bounds.
func (f Filter) Validate() error {
	if f.Limit < 0 {
		return ErrInvalidFilterLimit
	}
	if f.Limit > maxFilterLimit {
		return ErrFilterLimitTooLarge
	}
	if f.Offset < 0 {
		return ErrInvalidFilterOffset
	}
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFilterStatus, f.Status)
	}
	if f.CreatedFrom != nil && f.CreatedTo != nil && !f.CreatedFrom.Before(*f.CreatedTo) {
		return ErrInvalidFilterTimeRange
	}
	return nil
}
