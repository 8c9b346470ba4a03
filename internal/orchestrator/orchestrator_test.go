package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/approval"
	"github.com/kubedeploy/orchestrator/internal/audit"
	"github.com/kubedeploy/orchestrator/internal/cluster"
	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/idempotency"
	"github.com/kubedeploy/orchestrator/internal/lock"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
	"github.com/kubedeploy/orchestrator/internal/pipeline"
	"github.com/kubedeploy/orchestrator/internal/queue"
	"github.com/kubedeploy/orchestrator/internal/strategy"
	"github.com/kubedeploy/orchestrator/internal/verify"
)

// harness wires a facade against in-memory backends, mirroring
// pipeline_test.go's testHarness but one layer up the stack.
type harness struct {
	store *pipeline.MemoryStore
	idem  *idempotency.MemoryStore
	locks *lock.MemoryLocker
	jobs  *queue.MemoryQueue
	sink  *audit.MemorySink
	orch  *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	specs := []cluster.NodeSpec{
		{ID: "node-1", Hostname: "node-1.internal", Environment: string(domain.EnvStaging), Versions: map[string]string{"payments-api": "1.0.0"}},
		{ID: "node-2", Hostname: "node-2.internal", Environment: string(domain.EnvProduction), Versions: map[string]string{"payments-api": "1.0.0"}},
	}
	registry, err := cluster.NewFromSpecs(specs)
	require.NoError(t, err)

	client := nodeclient.NewFakeClient()
	store := pipeline.NewMemoryStore()
	approvals := approval.New(approval.NewMemoryStore(), nil)
	strategies := map[domain.Strategy]strategy.Strategy{
		domain.StrategyDirect: strategy.Direct{Concurrency: 4},
	}
	settings := pipeline.DefaultSettings()
	settings.StabilizeDelay = 0
	settings.StabilizeSampleInterval = 0
	settings.StabilizeHealthSamples = 1
	settings.ApprovalPollInterval = 0

	sink := &audit.MemorySink{}
	executor := pipeline.NewExecutor(store, registry, client, verify.DigestVerifier{}, approvals, strategies,
		strategy.NewClientHealthOracle(client), settings, nil, pipeline.WithSink(sink))

	h := &harness{
		store: store,
		idem:  idempotency.NewMemoryStore(),
		locks: lock.NewMemoryLocker(""),
		jobs:  queue.NewMemoryQueue(),
		sink:  sink,
	}
	h.orch = New(h.store, h.idem, h.locks, h.jobs, executor, nil, append([]Option{WithSink(sink)}, opts...)...)
	return h
}

func baseCommand() CreateDeploymentCommand {
	return CreateDeploymentCommand{
		ModuleName:        "payments-api",
		Version:           "2.0.0",
		TargetEnvironment: string(domain.EnvStaging),
		RequesterEmail:    "dev@example.com",
		Strategy:          "direct",
		ArtifactDigest:    "sha256:deadbeef",
		ArtifactSignature: "sig",
	}
}

func TestCreateDeployment_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.orch.CreateDeployment(ctx, baseCommand())
	require.NoError(t, err)
	require.NotEmpty(t, handle.ExecutionID)
	require.Equal(t, domain.StatusCreated, handle.Status)

	exec, err := h.orch.GetDeployment(ctx, handle.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, domain.ModuleName("payments-api"), exec.ModuleName)

	jobs, err := h.jobs.Claim(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, handle.ExecutionID, jobs[0].DeploymentExecID)
	require.NotEmpty(t, h.sink.Events)
}

func TestCreateDeployment_ValidationError(t *testing.T) {
	h := newHarness(t)
	cmd := baseCommand()
	cmd.RequesterEmail = "not-an-email"

	_, err := h.orch.CreateDeployment(context.Background(), cmd)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateDeployment_UnknownEnvironment(t *testing.T) {
	h := newHarness(t)
	cmd := baseCommand()
	cmd.TargetEnvironment = "nonexistent"

	_, err := h.orch.CreateDeployment(context.Background(), cmd)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateDeployment_DuplicateRequestIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cmd := baseCommand()
	cmd.ClientKey = "request-42"

	first, err := h.orch.CreateDeployment(ctx, cmd)
	require.NoError(t, err)

	second, err := h.orch.CreateDeployment(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, first.ExecutionID, second.ExecutionID)

	execs, err := h.store.List(ctx, pipeline.Filter{ModuleName: "payments-api"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
}

func TestCreateDeployment_ConcurrencyLimitRejectsOverCap(t *testing.T) {
	h := newHarness(t, WithEnvPolicy(map[domain.Environment]EnvPolicy{
		domain.EnvStaging: {MaxConcurrent: 1},
	}))
	ctx := context.Background()

	cmdA := baseCommand()
	cmdA.ClientKey = "a"
	_, err := h.orch.CreateDeployment(ctx, cmdA)
	require.NoError(t, err)

	cmdB := baseCommand()
	cmdB.ClientKey = "b"
	_, err = h.orch.CreateDeployment(ctx, cmdB)
	require.ErrorIs(t, err, domain.ErrConcurrencyLimit)
}

func TestListDeployments_InvalidFilterIsRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.ListDeployments(context.Background(), pipeline.Filter{Limit: -1})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCancelDeployment_OnTerminalExecutionIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.orch.CreateDeployment(ctx, baseCommand())
	require.NoError(t, err)
	for _, s := range []domain.ExecutionStatus{domain.StatusValidating, domain.StatusVerifying,
		domain.StatusDeploying, domain.StatusStabilizing, domain.StatusSucceeded} {
		require.NoError(t, h.store.UpdateStatus(ctx, handle.ExecutionID, s, ""))
	}

	require.NoError(t, h.orch.CancelDeployment(ctx, handle.ExecutionID, "operator@example.com"))

	exec, err := h.orch.GetDeployment(ctx, handle.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, exec.Status)
}

func TestCancelDeployment_MarksCancelled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.orch.CreateDeployment(ctx, baseCommand())
	require.NoError(t, err)

	require.NoError(t, h.orch.CancelDeployment(ctx, handle.ExecutionID, "operator@example.com"))

	exec, err := h.orch.GetDeployment(ctx, handle.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, exec.Status)
}

func TestRollback_WithoutPriorVersionErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.orch.CreateDeployment(ctx, baseCommand())
	require.NoError(t, err)

	_, err = h.orch.Rollback(ctx, handle.ExecutionID, "operator@example.com")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRollback_RetargetsPreviousVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.orch.CreateDeployment(ctx, baseCommand())
	require.NoError(t, err)

	require.NoError(t, h.store.SetPreviousVersions(ctx, handle.ExecutionID, map[string]domain.Version{"node-1": mustVersion("1.0.0")}))

	rolled, err := h.orch.Rollback(ctx, handle.ExecutionID, "operator@example.com")
	require.NoError(t, err)
	require.NotEqual(t, handle.ExecutionID, rolled.ExecutionID)

	rolledExec, err := h.orch.GetDeployment(ctx, rolled.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", rolledExec.TargetVersion.String())
	require.True(t, rolledExec.Force)
}

func mustVersion(s string) domain.Version {
	v, err := domain.ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}
