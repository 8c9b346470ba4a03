package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kubedeploy/orchestrator/internal/approval"
	"github.com/kubedeploy/orchestrator/internal/audit"
	"github.com/kubedeploy/orchestrator/internal/cluster"
	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
	"github.com/kubedeploy/orchestrator/internal/strategy"
	"github.com/kubedeploy/orchestrator/internal/verify"
)

// Settings holds the Executor's tunables, sourced from config.PipelineConfig
// and config.RollingConfig.
type Settings struct {
	MinHealthyRatio           float64
	StabilizeHealthSamples    int
	StabilizeSampleInterval   time.Duration
	StabilizeHealthyThreshold float64
	StabilizeDelay            time.Duration
	ApprovalPollInterval      time.Duration
	Deadline                  time.Duration

	// ApprovalTTLFor returns the approval timeout for an environment.
	// Callers
	// normally set this from config.Config.ApprovalTTLFor; DefaultSettings
	// fills in the stock TTLs directly.
	ApprovalTTLFor func(domain.Environment) time.Duration
}

// DefaultSettings mirrors config's setDefaults.
func DefaultSettings() Settings {
	return Settings{
		MinHealthyRatio:           0.8,
		StabilizeHealthSamples:    3,
		StabilizeSampleInterval:   10 * time.Second,
		StabilizeHealthyThreshold: 1.0,
		StabilizeDelay:            30 * time.Second,
		ApprovalPollInterval:      2 * time.Second,
		Deadline:                  4 * time.Hour,
		ApprovalTTLFor: func(env domain.Environment) time.Duration {
			if env == domain.EnvProduction {
				return 48 * time.Hour
			}
			return 24 * time.Hour
		},
	}
}

// Executor is the Pipeline Executor: it drives one DeploymentExecution
// through its state machine, dispatching node work to the
// rollout strategies and emitting every stage/node transition through the
// sink. It holds no execution-scoped state between calls — every
// suspension point persists to Store first.
type Executor struct {
	store      Store
	cluster    *cluster.Registry
	client     nodeclient.Client
	verifier   verify.Verifier
	approvals  *approval.Workflow
	strategies map[domain.Strategy]strategy.Strategy
	oracle     strategy.HealthOracle
	sink       audit.Sink
	clock      strategy.Clock
	settings   Settings
	logger     *slog.Logger
}

// Option configures an Executor at construction.
type Option func(*Executor)

func WithClock(c strategy.Clock) Option { return func(e *Executor) { e.clock = c } }
func WithSink(s audit.Sink) Option      { return func(e *Executor) { e.sink = s } }

func NewExecutor(store Store, registry *cluster.Registry, client nodeclient.Client, verifier verify.Verifier,
	approvals *approval.Workflow, strategies map[domain.Strategy]strategy.Strategy, oracle strategy.HealthOracle,
	settings Settings, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.ApprovalTTLFor == nil {
		settings.ApprovalTTLFor = DefaultSettings().ApprovalTTLFor
	}
	e := &Executor{
		store:      store,
		cluster:    registry,
		client:     client,
		verifier:   verifier,
		approvals:  approvals,
		strategies: strategies,
		oracle:     oracle,
		sink:       audit.NoopSink{},
		clock:      strategy.RealClock{},
		settings:   settings,
		logger:     logger.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives execution forward from its current persisted Status until it
// reaches a terminal status or a suspension point it cannot clear yet
// (Run returns nil in that case too — the caller, typically a job-queue
// worker, re-invokes Run on the next poll or wakeup signal).
func (e *Executor) Run(ctx context.Context, executionID string) error {
	for {
		exec, err := e.store.Get(ctx, executionID)
		if err != nil {
			return fmt.Errorf("pipeline: load %q: %w", executionID, err)
		}
		if exec.Status.Terminal() {
			return nil
		}
		if e.deadlineExceeded(exec) {
			e.logger.Warn("execution deadline exceeded", "execution_id", exec.ExecutionID)
			return e.rollbackAndFinish(ctx, exec.ExecutionID, "deadline exceeded")
		}
		if e.isCancelled(ctx, exec) && exec.Status != domain.StatusAwaitingApproval {
			return e.handleCancel(ctx, exec)
		}

		var again bool
		switch exec.Status {
		case domain.StatusCreated:
			again, err = e.runValidate(ctx, exec)
		case domain.StatusValidating:
			again, err = e.runVerify(ctx, exec)
		case domain.StatusVerifying:
			again, err = e.runApproveOrDeploy(ctx, exec)
		case domain.StatusAwaitingApproval:
			again, err = e.runAwaitApproval(ctx, exec)
		case domain.StatusDeploying:
			again, err = e.runDeploy(ctx, exec)
		case domain.StatusStabilizing:
			again, err = e.runStabilizeAndCommit(ctx, exec)
		default:
			return fmt.Errorf("%w: pipeline has no handler for status %q", domain.ErrInternal, exec.Status)
		}
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

func (e *Executor) deadlineExceeded(exec *domain.DeploymentExecution) bool {
	if e.settings.Deadline <= 0 || exec.StartedAt.IsZero() {
		return false
	}
	return time.Since(exec.StartedAt) > e.settings.Deadline
}

func (e *Executor) isCancelled(ctx context.Context, exec *domain.DeploymentExecution) bool {
	current, err := e.store.Get(ctx, exec.ExecutionID)
	if err != nil {
		return false
	}
	return current.Status == domain.StatusCancelled
}

func (e *Executor) handleCancel(ctx context.Context, exec *domain.DeploymentExecution) error {
	if exec.Status == domain.StatusDeploying || exec.Status == domain.StatusStabilizing {
		return e.rollbackAndFinish(ctx, exec.ExecutionID, "cancelled")
	}
	return nil
}

// --- Stage 1: Validate ---

func (e *Executor) runValidate(ctx context.Context, exec *domain.DeploymentExecution) (bool, error) {
	stage := domain.Stage{Name: domain.StageValidate, Status: domain.StageRunning, StartedAt: time.Now()}
	e.upsertStage(ctx, exec.ExecutionID, stage)
	e.emit(ctx, exec, audit.EventDeploymentStarted, nil)
	e.emit(ctx, exec, audit.EventStageStarted, audit.StagePayload{Stage: stage.Name, Status: stage.Status})

	if err := e.store.UpdateStatus(ctx, exec.ExecutionID, domain.StatusValidating, ""); err != nil {
		return false, fmt.Errorf("pipeline: enter validating %q: %w", exec.ExecutionID, err)
	}

	var failReason string
	if !exec.Environment.Valid() {
		failReason = fmt.Sprintf("unknown environment %q", exec.Environment)
	} else if _, err := domain.NewModuleName(string(exec.ModuleName)); err != nil {
		failReason = err.Error()
	} else if !exec.Force {
		dup, err := e.store.HasTerminalDuplicate(ctx, exec.ModuleName, exec.TargetVersion, exec.Environment)
		if err != nil {
			return false, fmt.Errorf("pipeline: check terminal duplicate %q: %w", exec.ExecutionID, err)
		}
		if dup {
			failReason = "a terminal execution already exists for this module/version/environment"
		}
	}

	stage.Status = domain.StageSucceeded
	if failReason != "" {
		stage.Status = domain.StageFailed
		stage.Message = failReason
	}
	stage.EndedAt = time.Now()
	e.upsertStage(ctx, exec.ExecutionID, stage)
	e.emit(ctx, exec, audit.EventStageEnded, audit.StagePayload{Stage: stage.Name, Status: stage.Status, Message: stage.Message})

	if failReason != "" {
		return false, e.fail(ctx, exec.ExecutionID, failReason)
	}
	return true, nil
}

// --- Stage 2: Verify + PreflightHealth (folded under Verifying status) ---

func (e *Executor) runVerify(ctx context.Context, exec *domain.DeploymentExecution) (bool, error) {
	if err := e.store.UpdateStatus(ctx, exec.ExecutionID, domain.StatusVerifying, ""); err != nil {
		return false, fmt.Errorf("pipeline: enter verifying %q: %w", exec.ExecutionID, err)
	}

	artifact := domain.Artifact{Module: exec.ModuleName, Version: exec.TargetVersion}
	if m, ok := exec.Metadata["artifact_digest"]; ok {
		artifact.Digest = m
	}
	if m, ok := exec.Metadata["artifact_signature"]; ok {
		artifact.Signature = m
	}

	stage := domain.Stage{Name: domain.StageVerify, Status: domain.StageRunning, StartedAt: time.Now()}
	e.upsertStage(ctx, exec.ExecutionID, stage)
	e.emit(ctx, exec, audit.EventStageStarted, audit.StagePayload{Stage: stage.Name, Status: stage.Status})

	if err := e.verifier.Verify(ctx, artifact); err != nil {
		stage.Status, stage.Message, stage.EndedAt = domain.StageFailed, err.Error(), time.Now()
		e.upsertStage(ctx, exec.ExecutionID, stage)
		e.emit(ctx, exec, audit.EventStageEnded, audit.StagePayload{Stage: stage.Name, Status: stage.Status, Message: stage.Message})
		return false, e.fail(ctx, exec.ExecutionID, "verification failed: "+err.Error())
	}
	stage.Status, stage.EndedAt = domain.StageSucceeded, time.Now()
	e.upsertStage(ctx, exec.ExecutionID, stage)
	e.emit(ctx, exec, audit.EventStageEnded, audit.StagePayload{Stage: stage.Name, Status: stage.Status})

	return e.runPreflightHealth(ctx, exec)
}

func (e *Executor) runPreflightHealth(ctx context.Context, exec *domain.DeploymentExecution) (bool, error) {
	stage := domain.Stage{Name: domain.StagePreflightHealth, Status: domain.StageRunning, StartedAt: time.Now()}
	e.upsertStage(ctx, exec.ExecutionID, stage)
	e.emit(ctx, exec, audit.EventStageStarted, audit.StagePayload{Stage: stage.Name, Status: stage.Status})

	nodes, err := e.cluster.ListNodes(ctx, exec.Environment, "")
	if err != nil {
		return false, fmt.Errorf("pipeline: list nodes for preflight %q: %w", exec.ExecutionID, err)
	}
	sli, err := e.oracle.Sample(ctx, nodes)
	if err != nil {
		return false, fmt.Errorf("pipeline: preflight sample %q: %w", exec.ExecutionID, err)
	}

	minRatio := e.settings.MinHealthyRatio
	if minRatio <= 0 {
		minRatio = 0.8
	}
	if sli.HealthyRatio < minRatio {
		stage.Status = domain.StageFailed
		stage.Message = fmt.Sprintf("cluster healthy ratio %.2f below minimum %.2f", sli.HealthyRatio, minRatio)
		stage.EndedAt = time.Now()
		e.upsertStage(ctx, exec.ExecutionID, stage)
		e.emit(ctx, exec, audit.EventStageEnded, audit.StagePayload{Stage: stage.Name, Status: stage.Status, Message: stage.Message})
		return false, e.fail(ctx, exec.ExecutionID, stage.Message)
	}

	stage.Status, stage.EndedAt = domain.StageSucceeded, time.Now()
	e.upsertStage(ctx, exec.ExecutionID, stage)
	e.emit(ctx, exec, audit.EventStageEnded, audit.StagePayload{Stage: stage.Name, Status: stage.Status})
	return true, nil
}

// --- Stage 3: Approve (conditional) / Deploy entry ---

func (e *Executor) runApproveOrDeploy(ctx context.Context, exec *domain.DeploymentExecution) (bool, error) {
	if !exec.RequireApproval {
		if err := e.store.UpdateStatus(ctx, exec.ExecutionID, domain.StatusDeploying, ""); err != nil {
			return false, fmt.Errorf("pipeline: enter deploying %q: %w", exec.ExecutionID, err)
		}
		return true, nil
	}

	stage := domain.Stage{Name: domain.StageApprove, Status: domain.StageRunning, StartedAt: time.Now()}
	e.upsertStage(ctx, exec.ExecutionID, stage)

	req, err := e.approvals.Get(ctx, exec.ExecutionID)
	if errors.Is(err, domain.ErrApprovalNotFound) {
		req, err = e.approvals.Request(ctx, exec, nil, e.settings.ApprovalTTLFor(exec.Environment))
		if err != nil {
			return false, fmt.Errorf("pipeline: request approval %q: %w", exec.ExecutionID, err)
		}
		e.emit(ctx, exec, audit.EventApprovalRequested, audit.ApprovalPayload{ApprovalID: req.ApprovalID, Status: req.Status})
	} else if err != nil {
		return false, fmt.Errorf("pipeline: load approval %q: %w", exec.ExecutionID, err)
	}

	if err := e.store.UpdateStatus(ctx, exec.ExecutionID, domain.StatusAwaitingApproval, ""); err != nil {
		return false, fmt.Errorf("pipeline: enter awaiting_approval %q: %w", exec.ExecutionID, err)
	}
	return true, nil
}

// runAwaitApproval is re-entered by Run on every resume while status stays
// AwaitingApproval; it returns again=false (suspend) until the gate
// resolves, never blocking on a channel across worker restarts.
func (e *Executor) runAwaitApproval(ctx context.Context, exec *domain.DeploymentExecution) (bool, error) {
	req, err := e.approvals.Get(ctx, exec.ExecutionID)
	if err != nil {
		return false, fmt.Errorf("pipeline: load approval %q: %w", exec.ExecutionID, err)
	}
	if !req.Status.Terminal() {
		return false, nil
	}

	stage := domain.Stage{Name: domain.StageApprove, Status: domain.StageSucceeded, EndedAt: time.Now()}
	switch req.Status {
	case domain.ApprovalApproved:
		e.emit(ctx, exec, audit.EventApprovalDecided, audit.ApprovalPayload{ApprovalID: req.ApprovalID, Status: req.Status, Approver: req.RespondedByEmail, Reason: req.ResponseReason})
		e.upsertStage(ctx, exec.ExecutionID, stage)
		if err := e.store.UpdateStatus(ctx, exec.ExecutionID, domain.StatusDeploying, ""); err != nil {
			return false, fmt.Errorf("pipeline: enter deploying after approval %q: %w", exec.ExecutionID, err)
		}
		return true, nil
	case domain.ApprovalRejected:
		stage.Status = domain.StageFailed
		stage.Message = "approval rejected"
		e.upsertStage(ctx, exec.ExecutionID, stage)
		e.emit(ctx, exec, audit.EventApprovalDecided, audit.ApprovalPayload{ApprovalID: req.ApprovalID, Status: req.Status, Approver: req.RespondedByEmail, Reason: req.ResponseReason})
		return false, e.terminal(ctx, exec.ExecutionID, domain.StatusRejectedApproval, "approval rejected: "+req.ResponseReason)
	default: // Expired
		stage.Status = domain.StageFailed
		stage.Message = "approval expired"
		e.upsertStage(ctx, exec.ExecutionID, stage)
		e.emit(ctx, exec, audit.EventApprovalExpired, audit.ApprovalPayload{ApprovalID: req.ApprovalID, Status: req.Status})
		return false, e.terminal(ctx, exec.ExecutionID, domain.StatusExpired, "approval window expired")
	}
}

// --- Stage 4: Deploy ---

func (e *Executor) runDeploy(ctx context.Context, exec *domain.DeploymentExecution) (bool, error) {
	strat, ok := e.strategies[exec.Strategy]
	if !ok {
		return false, fmt.Errorf("%w: no strategy registered for %q", domain.ErrInternal, exec.Strategy)
	}

	nodes, err := e.cluster.ListNodes(ctx, exec.Environment, "")
	if err != nil {
		return false, fmt.Errorf("pipeline: list nodes for deploy %q: %w", exec.ExecutionID, err)
	}
	if len(exec.PreviousVersions) == 0 {
		prev := make(map[string]domain.Version, len(nodes))
		for _, n := range nodes {
			prev[n.ID] = n.CurrentVersions[exec.ModuleName]
		}
		if err := e.store.SetPreviousVersions(ctx, exec.ExecutionID, prev); err != nil {
			return false, fmt.Errorf("pipeline: snapshot previous versions %q: %w", exec.ExecutionID, err)
		}
		// The strategy below reads Execution.PreviousVersions directly to
		// compute rollback targets, so the in-memory exec must reflect
		// what was just persisted.
		exec.PreviousVersions = prev
	}

	stage := domain.Stage{Name: domain.StageDeploy, Status: domain.StageRunning, StartedAt: time.Now()}
	e.upsertStage(ctx, exec.ExecutionID, stage)
	e.emit(ctx, exec, audit.EventStageStarted, audit.StagePayload{Stage: stage.Name, Status: stage.Status})

	artifact := domain.Artifact{Module: exec.ModuleName, Version: exec.TargetVersion,
		Digest: exec.Metadata["artifact_digest"], Signature: exec.Metadata["artifact_signature"]}

	observer := &storeObserver{executor: e, ctx0: ctx, exec: exec}
	control := &pollControl{executor: e, executionID: exec.ExecutionID}

	outcome, err := strat.Execute(ctx, strategy.Input{Execution: exec, Nodes: nodes, Artifact: artifact, Client: e.client, Oracle: e.oracle}, observer, control)
	if err != nil {
		return false, fmt.Errorf("pipeline: strategy execute %q: %w", exec.ExecutionID, err)
	}

	stage.EndedAt = time.Now()
	switch outcome.Status {
	case strategy.OutcomeSucceeded:
		stage.Status = domain.StageSucceeded
		e.upsertStage(ctx, exec.ExecutionID, stage)
		e.emit(ctx, exec, audit.EventStageEnded, audit.StagePayload{Stage: stage.Name, Status: stage.Status})
		if err := e.store.UpdateStatus(ctx, exec.ExecutionID, domain.StatusStabilizing, ""); err != nil {
			return false, fmt.Errorf("pipeline: enter stabilizing %q: %w", exec.ExecutionID, err)
		}
		return true, nil
	default:
		stage.Status = domain.StageFailed
		stage.Message = outcome.Message
		e.upsertStage(ctx, exec.ExecutionID, stage)
		e.emit(ctx, exec, audit.EventStageEnded, audit.StagePayload{Stage: stage.Name, Status: stage.Status, Message: stage.Message})
		return false, e.rollbackAndFinish(ctx, exec.ExecutionID, "deploy stage failed: "+outcome.Message)
	}
}

// --- Stage 5/6: Stabilize + Commit ---

func (e *Executor) runStabilizeAndCommit(ctx context.Context, exec *domain.DeploymentExecution) (bool, error) {
	stage := domain.Stage{Name: domain.StageStabilize, Status: domain.StageRunning, StartedAt: time.Now()}
	e.upsertStage(ctx, exec.ExecutionID, stage)
	e.emit(ctx, exec, audit.EventStageStarted, audit.StagePayload{Stage: stage.Name, Status: stage.Status})

	nodes, err := e.cluster.ListNodes(ctx, exec.Environment, "")
	if err != nil {
		return false, fmt.Errorf("pipeline: list nodes for stabilize %q: %w", exec.ExecutionID, err)
	}

	samples := e.settings.StabilizeHealthSamples
	if samples <= 0 {
		samples = 3
	}
	threshold := e.settings.StabilizeHealthyThreshold
	if threshold <= 0 {
		threshold = 1.0
	}
	if e.settings.StabilizeDelay > 0 {
		if err := e.clock.Sleep(ctx, e.settings.StabilizeDelay); err != nil {
			return false, err
		}
	}

	stable := true
	for i := 0; i < samples; i++ {
		sli, err := e.oracle.Sample(ctx, nodes)
		if err != nil {
			return false, fmt.Errorf("pipeline: stabilize sample %q: %w", exec.ExecutionID, err)
		}
		if sli.HealthyRatio < threshold {
			stable = false
			break
		}
		if i < samples-1 && e.settings.StabilizeSampleInterval > 0 {
			if err := e.clock.Sleep(ctx, e.settings.StabilizeSampleInterval); err != nil {
				return false, err
			}
		}
	}

	stage.EndedAt = time.Now()
	if !stable {
		stage.Status = domain.StageFailed
		stage.Message = "post-deploy stabilization window unhealthy"
		e.upsertStage(ctx, exec.ExecutionID, stage)
		e.emit(ctx, exec, audit.EventStageEnded, audit.StagePayload{Stage: stage.Name, Status: stage.Status, Message: stage.Message})
		return false, e.rollbackAndFinish(ctx, exec.ExecutionID, stage.Message)
	}

	stage.Status = domain.StageSucceeded
	e.upsertStage(ctx, exec.ExecutionID, stage)
	e.emit(ctx, exec, audit.EventStageEnded, audit.StagePayload{Stage: stage.Name, Status: stage.Status})

	return e.runCommit(ctx, exec, nodes)
}

func (e *Executor) runCommit(ctx context.Context, exec *domain.DeploymentExecution, nodes []*domain.Node) (bool, error) {
	stage := domain.Stage{Name: domain.StageCommit, Status: domain.StageRunning, StartedAt: time.Now()}
	e.upsertStage(ctx, exec.ExecutionID, stage)
	e.emit(ctx, exec, audit.EventStageStarted, audit.StagePayload{Stage: stage.Name, Status: stage.Status})

	for _, n := range nodes {
		if err := e.cluster.CommitVersion(ctx, n.ID, exec.ModuleName, exec.TargetVersion); err != nil {
			e.logger.Warn("commit version failed", "node_id", n.ID, "error", err)
		}
	}

	stage.Status, stage.EndedAt = domain.StageSucceeded, time.Now()
	e.upsertStage(ctx, exec.ExecutionID, stage)
	e.emit(ctx, exec, audit.EventStageEnded, audit.StagePayload{Stage: stage.Name, Status: stage.Status})

	return false, e.terminal(ctx, exec.ExecutionID, domain.StatusSucceeded, "")
}

// --- Rollback, terminal transitions, and small helpers ---

// rollbackAndFinish rolls every node back to its pre-Deploy version,
// walking the environment's node list from last to first: the reverse of
// the listing order that Direct, Rolling and Blue/Green apply in. Canary
// applies in node-ID hash order, which this walk does not follow. Per-node
// failures are recorded without aborting the sweep, and it lands on
// RolledBack or RolledBackWithErrors.
func (e *Executor) rollbackAndFinish(ctx context.Context, executionID, reason string) error {
	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		return fmt.Errorf("pipeline: load for rollback %q: %w", executionID, err)
	}
	if exec.Status.Terminal() {
		return nil
	}
	if err := e.store.UpdateStatus(ctx, executionID, domain.StatusRollingBack, reason); err != nil {
		return fmt.Errorf("pipeline: enter rolling_back %q: %w", executionID, err)
	}
	e.emit(ctx, exec, audit.EventRollbackStarted, nil)

	nodes, err := e.cluster.ListNodes(ctx, exec.Environment, "")
	if err != nil {
		return fmt.Errorf("pipeline: list nodes for rollback %q: %w", executionID, err)
	}

	allOK := true
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		target, ok := exec.PreviousVersions[n.ID]
		if !ok {
			continue
		}
		if n.CurrentVersions[exec.ModuleName].Equal(target) {
			continue
		}
		res, rerr := e.client.Rollback(ctx, executionID, n, target)
		nr := domain.NodeResult{NodeID: n.ID, ToVersion: target, RolledBack: true}
		if rerr != nil {
			allOK = false
			nr.Status, nr.Error = domain.NodeResultFailed, rerr.Error()
		} else {
			nr.Status, nr.DurationMs = domain.NodeResultRolledBack, res.DurationMs
		}
		if aerr := e.store.AppendNodeResult(ctx, executionID, nr); aerr != nil {
			e.logger.Error("record rollback node result failed", "error", aerr, "node_id", n.ID)
		}
		e.emit(ctx, exec, audit.EventNodeResult, audit.NodeResultPayload{NodeID: n.ID, Status: nr.Status, RolledBack: true, Error: nr.Error})
	}

	final := domain.StatusRolledBack
	if !allOK {
		final = domain.StatusRolledBackWithErrs
	}
	return e.terminal(ctx, executionID, final, reason)
}

func (e *Executor) fail(ctx context.Context, executionID, reason string) error {
	return e.terminal(ctx, executionID, domain.StatusFailed, reason)
}

func (e *Executor) terminal(ctx context.Context, executionID string, status domain.ExecutionStatus, message string) error {
	if err := e.store.UpdateStatus(ctx, executionID, status, message); err != nil {
		return fmt.Errorf("pipeline: enter terminal %q for %q: %w", status, executionID, err)
	}
	if exec, err := e.store.Get(ctx, executionID); err == nil {
		e.emit(ctx, exec, audit.EventDeploymentTerminal, audit.TerminalPayload{Status: status, Message: message})
	}
	return nil
}

func (e *Executor) upsertStage(ctx context.Context, executionID string, stage domain.Stage) {
	if err := e.store.UpsertStage(ctx, executionID, stage); err != nil {
		e.logger.Error("upsert stage failed", "error", err, "execution_id", executionID, "stage", stage.Name)
	}
}

func (e *Executor) emit(ctx context.Context, exec *domain.DeploymentExecution, typ audit.EventType, payload any) {
	e.sink.Emit(ctx, audit.Event{
		Type: typ, ExecutionID: exec.ExecutionID, ModuleName: exec.ModuleName,
		Environment: exec.Environment, TraceID: exec.TraceID, Payload: payload,
	})
}

// storeObserver adapts strategy.Observer onto Store + the audit sink, so a
// strategy's progress becomes durable the moment it happens rather than
// when Execute eventually returns.
type storeObserver struct {
	executor *Executor
	ctx0     context.Context
	exec     *domain.DeploymentExecution
}

func (o *storeObserver) OnNodeResult(ctx context.Context, result domain.NodeResult) {
	if err := o.executor.store.AppendNodeResult(ctx, o.exec.ExecutionID, result); err != nil {
		o.executor.logger.Error("record node result failed", "error", err, "node_id", result.NodeID)
	}
	o.executor.emit(ctx, o.exec, audit.EventNodeResult, audit.NodeResultPayload{
		NodeID: result.NodeID, Status: result.Status, RolledBack: result.RolledBack, Error: result.Error,
	})
}

func (o *storeObserver) OnProgress(ctx context.Context, stageContext map[string]any) {
	stage := domain.Stage{Name: domain.StageDeploy, Status: domain.StageRunning, Context: stageContext}
	if err := o.executor.store.UpsertStage(ctx, o.exec.ExecutionID, stage); err != nil {
		o.executor.logger.Error("record progress failed", "error", err, "execution_id", o.exec.ExecutionID)
	}
}

// pollControl adapts the top-level Approval Workflow onto strategy.Control
// for strategies that gate an internal step behind approval (Canary's
// first-step gate, Blue/Green's pre-switch gate). It polls rather than
// blocking on a channel, so it survives a worker restart mid-wait.
type pollControl struct {
	executor    *Executor
	executionID string
}

func (c *pollControl) Cancelled() bool {
	exec, err := c.executor.store.Get(context.Background(), c.executionID)
	return err == nil && exec.Status == domain.StatusCancelled
}

func (c *pollControl) AwaitApproval(ctx context.Context) (bool, error) {
	interval := c.executor.settings.ApprovalPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		req, err := c.executor.approvals.Get(ctx, c.executionID)
		if errors.Is(err, domain.ErrApprovalNotFound) {
			// A strategy's own internal approval gate (e.g. BlueGreen's
			// pre-switch hold, Canary's first-step gate) fired on an
			// execution whose top-level RequireApproval was false, so
			// runApproveOrDeploy never created a request. Create one now
			// so this gate can suspend/resume like any other.
			exec, gerr := c.executor.store.Get(ctx, c.executionID)
			if gerr != nil {
				return false, fmt.Errorf("pipeline: load execution for strategy approval gate %q: %w", c.executionID, gerr)
			}
			req, err = c.executor.approvals.Request(ctx, exec, nil, c.executor.settings.ApprovalTTLFor(exec.Environment))
			if err == nil {
				c.executor.emit(ctx, exec, audit.EventApprovalRequested, audit.ApprovalPayload{ApprovalID: req.ApprovalID, Status: req.Status})
			}
		}
		if err != nil {
			return false, fmt.Errorf("pipeline: await approval %q: %w", c.executionID, err)
		}
		switch req.Status {
		case domain.ApprovalApproved:
			return true, nil
		case domain.ApprovalRejected, domain.ApprovalExpired:
			return false, nil
		}
		if c.Cancelled() {
			return false, nil
		}
		if err := c.executor.clock.Sleep(ctx, interval); err != nil {
			return false, err
		}
	}
}
