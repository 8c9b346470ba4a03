// Package orchestrator implements the Orchestrator Facade: the single
// entry point external callers (API layer, CLI, scheduled jobs) use to
// start, inspect, cancel, and roll back deployments. It
// owns the idempotency check, the per-(env,module) deploy lock, and the
// creation of the DeploymentExecution followed by its Job (two separate
// writes: an execution whose enqueue fails stays persisted without a
// job); the actual
// state-machine work is delegated to pipeline.Executor via the job queue.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kubedeploy/orchestrator/internal/audit"
	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/idempotency"
	"github.com/kubedeploy/orchestrator/internal/lock"
	"github.com/kubedeploy/orchestrator/internal/pipeline"
	"github.com/kubedeploy/orchestrator/internal/queue"
)

var validate = validator.New()

// CreateDeploymentCommand is the external CreateDeployment request body.
// Tags are enforced by go-playground's
// validator, the same library the rest of this stack vendors.
type CreateDeploymentCommand struct {
	ModuleName        string            `validate:"required,min=3,max=64"`
	Version           string            `validate:"required"`
	TargetEnvironment string            `validate:"required"`
	RequesterEmail    string            `validate:"required,email"`
	Strategy          string            `validate:"omitempty,oneof=direct rolling blue_green canary"`
	RequireApproval   *bool             `validate:"-"`
	Force             bool              `validate:"-"`
	Description       string            `validate:"-"`
	Metadata          map[string]string `validate:"-"`
	ClientKey         string            `validate:"-"`
	ArtifactDigest    string            `validate:"-"`
	ArtifactSignature string            `validate:"-"`
}

// Handle is the synchronous response to CreateDeployment.
type Handle struct {
	ExecutionID        string
	Status             domain.ExecutionStatus
	StartTime          time.Time
	EstimatedDuration  time.Duration
	TraceID            string
}

// EnvPolicy resolves per-environment approval/concurrency policy, sourced
// from config.Config.Env.
type EnvPolicy struct {
	RequiresApproval bool
	MaxConcurrent    int
}

// Orchestrator is the facade.
type Orchestrator struct {
	store       pipeline.Store
	idempotency idempotency.Store
	locker      lock.Locker
	jobs        queue.Queue
	sink        audit.Sink
	executor    *pipeline.Executor
	logger      *slog.Logger

	defaultStrategy domain.Strategy
	envPolicy       map[domain.Environment]EnvPolicy
	lockTTL         time.Duration
	lockWait        time.Duration
	idempotencyTTL  time.Duration
	jobMaxRetries   int
	wake            func()
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

func WithDefaultStrategy(s domain.Strategy) Option { return func(o *Orchestrator) { o.defaultStrategy = s } }
func WithEnvPolicy(p map[domain.Environment]EnvPolicy) Option {
	return func(o *Orchestrator) { o.envPolicy = p }
}
func WithLockTimings(ttl, wait time.Duration) Option {
	return func(o *Orchestrator) { o.lockTTL, o.lockWait = ttl, wait }
}
func WithIdempotencyTTL(ttl time.Duration) Option { return func(o *Orchestrator) { o.idempotencyTTL = ttl } }
func WithSink(s audit.Sink) Option                { return func(o *Orchestrator) { o.sink = s } }
func WithJobMaxRetries(n int) Option              { return func(o *Orchestrator) { o.jobMaxRetries = n } }

// WithWake installs a function called after each enqueued job so an
// in-process worker can claim it immediately instead of waiting for its
// next poll tick.
func WithWake(fn func()) Option { return func(o *Orchestrator) { o.wake = fn } }

func New(store pipeline.Store, idem idempotency.Store, locker lock.Locker, jobs queue.Queue,
	executor *pipeline.Executor, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:           store,
		idempotency:     idem,
		locker:          locker,
		jobs:            jobs,
		executor:        executor,
		sink:            audit.NoopSink{},
		logger:          logger.With("component", "orchestrator"),
		defaultStrategy: domain.StrategyRolling,
		envPolicy:       map[domain.Environment]EnvPolicy{},
		lockTTL:         30 * time.Second,
		lockWait:        2 * time.Second,
		idempotencyTTL:  24 * time.Hour,
		jobMaxRetries:   5,
		wake:            func() {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) policyFor(env domain.Environment) EnvPolicy {
	return o.envPolicy[env]
}

// CreateDeployment validates, de-duplicates, locks, and persists a new
// DeploymentExecution + Job pair in one idempotent, lock-guarded sequence.
func (o *Orchestrator) CreateDeployment(ctx context.Context, cmd CreateDeploymentCommand) (*Handle, error) {
	if err := validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err.Error())
	}

	env := domain.Environment(cmd.TargetEnvironment)
	if !env.Valid() {
		return nil, fmt.Errorf("%w: unknown environment %q", domain.ErrValidation, cmd.TargetEnvironment)
	}
	module, err := domain.NewModuleName(cmd.ModuleName)
	if err != nil {
		return nil, err
	}
	version, err := domain.ParseVersion(cmd.Version)
	if err != nil {
		return nil, err
	}

	idemKey := domain.IdempotencyKey(module, version, env, cmd.RequesterEmail, cmd.ClientKey)
	execID := domain.NewExecutionID()
	if existingRef, inserted, err := o.idempotency.CheckOrInsert(ctx, idemKey, execID, o.idempotencyTTL); err != nil {
		return nil, fmt.Errorf("orchestrator: idempotency check: %w", err)
	} else if !inserted {
		prior, err := o.store.Get(ctx, existingRef)
		if err == nil {
			return &Handle{ExecutionID: prior.ExecutionID, Status: prior.Status, StartTime: prior.CreatedAt, TraceID: prior.TraceID}, nil
		}
		if !errors.Is(err, domain.ErrExecutionNotFound) {
			return nil, fmt.Errorf("orchestrator: load prior execution for duplicate request: %w", err)
		}
		// An earlier request claimed the key but never persisted its
		// execution; this one creates it under the claimed ID.
		execID = existingRef
	}

	lockName := fmt.Sprintf("deploy:%s:%s", env, module)
	handle, err := o.locker.Acquire(ctx, lockName, o.lockTTL, o.lockWait)
	if err != nil {
		return nil, fmt.Errorf("%w: could not acquire deploy lock for %q: %v", domain.ErrConflict, lockName, err)
	}
	defer func() {
		if err := o.locker.Release(ctx, handle); err != nil {
			o.logger.Warn("release deploy lock failed", "error", err, "lock", lockName)
		}
	}()

	policy := o.policyFor(env)
	requireApproval := policy.RequiresApproval
	if cmd.RequireApproval != nil {
		requireApproval = *cmd.RequireApproval
	}

	if policy.MaxConcurrent > 0 {
		active, err := o.countActive(ctx, env)
		if err != nil {
			return nil, err
		}
		if active >= policy.MaxConcurrent {
			return nil, fmt.Errorf("%w: environment %q has reached its concurrency cap of %d", domain.ErrConcurrencyLimit, env, policy.MaxConcurrent)
		}
	}

	strat := domain.Strategy(cmd.Strategy)
	if strat == "" {
		strat = o.defaultStrategy
	}

	exec := &domain.DeploymentExecution{
		ExecutionID:      execID,
		ModuleName:       module,
		TargetVersion:    version,
		PreviousVersions: map[string]domain.Version{},
		Environment:      env,
		Strategy:         strat,
		RequesterEmail:   cmd.RequesterEmail,
		Description:      cmd.Description,
		Metadata:         metadataWithArtifact(cmd),
		CreatedAt:        time.Now(),
		Status:           domain.StatusCreated,
		TraceID:          traceIDFromContext(ctx),
		Force:            cmd.Force,
		RequireApproval:  requireApproval,
		ClientKey:        cmd.ClientKey,
	}
	if err := o.store.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("orchestrator: persist execution %q: %w", exec.ExecutionID, err)
	}

	payload, _ := json.Marshal(struct {
		ExecutionID string `json:"executionId"`
	}{exec.ExecutionID})
	if _, err := o.jobs.Enqueue(ctx, exec.ExecutionID, payload, 0, o.jobMaxRetries); err != nil {
		return nil, fmt.Errorf("orchestrator: enqueue job for %q: %w", exec.ExecutionID, err)
	}
	o.wake()

	o.sink.Emit(ctx, audit.Event{
		Type: audit.EventDeploymentStarted, ExecutionID: exec.ExecutionID, ModuleName: module,
		Environment: env, TraceID: exec.TraceID,
	})

	return &Handle{ExecutionID: exec.ExecutionID, Status: exec.Status, StartTime: exec.CreatedAt, TraceID: exec.TraceID}, nil
}

func metadataWithArtifact(cmd CreateDeploymentCommand) map[string]string {
	meta := make(map[string]string, len(cmd.Metadata)+2)
	for k, v := range cmd.Metadata {
		meta[k] = v
	}
	if cmd.ArtifactDigest != "" {
		meta["artifact_digest"] = cmd.ArtifactDigest
	}
	if cmd.ArtifactSignature != "" {
		meta["artifact_signature"] = cmd.ArtifactSignature
	}
	return meta
}

func (o *Orchestrator) countActive(ctx context.Context, env domain.Environment) (int, error) {
	execs, err := o.store.List(ctx, pipeline.Filter{Environment: env})
	if err != nil {
		return 0, fmt.Errorf("orchestrator: list for concurrency check %q: %w", env, err)
	}
	n := 0
	for _, e := range execs {
		if !e.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// GetDeployment returns the full execution record, including per-stage
// and per-node results.
func (o *Orchestrator) GetDeployment(ctx context.Context, executionID string) (*domain.DeploymentExecution, error) {
	return o.store.Get(ctx, executionID)
}

// ListDeployments returns executions matching filter. A malformed filter is a Validation error, never
// creates work, and never reaches the Store.
func (o *Orchestrator) ListDeployments(ctx context.Context, filter pipeline.Filter) ([]*domain.DeploymentExecution, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return o.store.List(ctx, filter)
}

// CancelDeployment signals cancellation; it is a no-op on an
// already-terminal execution and rejected on any other state that cannot
// transition to Cancelled.
func (o *Orchestrator) CancelDeployment(ctx context.Context, executionID, actor string) error {
	exec, err := o.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	if err := o.store.UpdateStatus(ctx, executionID, domain.StatusCancelled, "cancelled by "+actor); err != nil {
		return fmt.Errorf("orchestrator: cancel %q: %w", executionID, err)
	}
	return o.executor.Run(ctx, executionID)
}

// Rollback starts a new execution that re-targets the prior version. It is only meaningful once an execution has
// reached Deploying or later, since that is when PreviousVersions exists.
func (o *Orchestrator) Rollback(ctx context.Context, executionID, actor string) (*Handle, error) {
	source, err := o.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(source.PreviousVersions) == 0 {
		return nil, fmt.Errorf("%w: execution %q never snapshotted a previous version to roll back to", domain.ErrValidation, executionID)
	}

	var anyPrev domain.Version
	for _, v := range source.PreviousVersions {
		anyPrev = v
		break
	}

	return o.CreateDeployment(ctx, CreateDeploymentCommand{
		ModuleName:        string(source.ModuleName),
		Version:           anyPrev.String(),
		TargetEnvironment: string(source.Environment),
		RequesterEmail:    actor,
		Strategy:          string(source.Strategy),
		Force:             true,
		Description:       fmt.Sprintf("rollback of %s requested by %s", executionID, actor),
		Metadata:          map[string]string{"rollback_of": executionID},
	})
}

func traceIDFromContext(ctx context.Context) string {
	if tid, ok := ctx.Value(traceIDKey{}).(string); ok {
		return tid
	}
	return ""
}

type traceIDKey struct{}

// WithTraceID stores a trace ID on ctx for CreateDeployment to pick up.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}
