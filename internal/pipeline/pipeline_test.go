package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/approval"
	"github.com/kubedeploy/orchestrator/internal/audit"
	"github.com/kubedeploy/orchestrator/internal/cluster"
	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
	"github.com/kubedeploy/orchestrator/internal/strategy"
	"github.com/kubedeploy/orchestrator/internal/verify"
)

func testNodes(n int, module domain.ModuleName, from string) []cluster.NodeSpec {
	specs := make([]cluster.NodeSpec, n)
	for i := range specs {
		specs[i] = cluster.NodeSpec{
			ID:          nodeName(i),
			Hostname:    nodeName(i) + ".internal",
			Environment: string(domain.EnvStaging),
			Versions:    map[string]string{string(module): from},
		}
	}
	return specs
}

func nodeName(i int) string {
	return string(rune('a'+i)) + "-node"
}

// testHarness wires a full Executor against in-memory stores, a fake node
// client, and the digest-checking verify.DigestVerifier so tests run
// instantly and deterministically.
type testHarness struct {
	store    *MemoryStore
	approve  *approval.MemoryStore
	workflow *approval.Workflow
	client   *nodeclient.FakeClient
	registry *cluster.Registry
	sink     *audit.MemorySink
	exec     *Executor
}

func newHarness(t *testing.T, nodeCount int, module domain.ModuleName) *testHarness {
	t.Helper()

	registry, err := cluster.NewFromSpecs(testNodes(nodeCount, module, "1.0.0"))
	require.NoError(t, err)

	client := nodeclient.NewFakeClient()
	approveStore := approval.NewMemoryStore()
	workflow := approval.New(approveStore, nil)
	sink := &audit.MemorySink{}

	strategies := map[domain.Strategy]strategy.Strategy{
		domain.StrategyDirect:    strategy.Direct{Concurrency: 4},
		domain.StrategyRolling:   strategy.Rolling{BatchSize: 1, Clock: strategy.FakeClock{}},
		domain.StrategyBlueGreen: strategy.BlueGreen{Clock: strategy.FakeClock{}},
		domain.StrategyCanary:    strategy.Canary{Steps: []int{100}, Clock: strategy.FakeClock{}},
	}

	settings := DefaultSettings()
	settings.StabilizeDelay = 0
	settings.StabilizeSampleInterval = 0
	settings.StabilizeHealthSamples = 1
	settings.ApprovalPollInterval = 0
	settings.Deadline = 0

	h := &testHarness{
		store:    NewMemoryStore(),
		approve:  approveStore,
		workflow: workflow,
		client:   client,
		registry: registry,
		sink:     sink,
	}
	h.exec = NewExecutor(h.store, registry, client, verify.DigestVerifier{}, workflow, strategies,
		strategy.NewClientHealthOracle(client), settings, nil,
		WithClock(strategy.FakeClock{}), WithSink(sink))
	return h
}

func newExecution(module domain.ModuleName, env domain.Environment, strat domain.Strategy, requireApproval, force bool) *domain.DeploymentExecution {
	return &domain.DeploymentExecution{
		ExecutionID:      domain.NewExecutionID(),
		ModuleName:       module,
		TargetVersion:    mustVersion("2.0.0"),
		PreviousVersions: map[string]domain.Version{},
		Environment:      env,
		Strategy:         strat,
		RequesterEmail:   "requester@example.com",
		Description:      "rollout",
		Metadata:         map[string]string{"artifact_digest": "sha256:deadbeef", "artifact_signature": "sig"},
		CreatedAt:        time.Now(),
		Status:           domain.StatusCreated,
		Force:            force,
		RequireApproval:  requireApproval,
	}
}

func mustVersion(s string) domain.Version {
	v, err := domain.ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func runToTerminal(t *testing.T, h *testHarness, executionID string) *domain.DeploymentExecution {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, h.exec.Run(ctx, executionID))
		exec, err := h.store.Get(ctx, executionID)
		require.NoError(t, err)
		if exec.Status.Terminal() || exec.Status == domain.StatusAwaitingApproval {
			return exec
		}
	}
	t.Fatalf("execution %q never reached a terminal or suspended status", executionID)
	return nil
}

func TestExecutor_DirectHappyPathNoApproval(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, 3, module)
	ctx := context.Background()

	e := newExecution(module, domain.EnvStaging, domain.StrategyDirect, false, false)
	require.NoError(t, h.store.Create(ctx, e))

	final := runToTerminal(t, h, e.ExecutionID)
	require.Equal(t, domain.StatusSucceeded, final.Status)
	require.NotEmpty(t, final.Stages)
	require.NotEmpty(t, h.sink.Events)
}

func TestExecutor_ApprovalRequiredApproveThenSucceed(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, 2, module)
	ctx := context.Background()

	e := newExecution(module, domain.EnvProduction, domain.StrategyDirect, true, false)
	require.NoError(t, h.store.Create(ctx, e))

	suspended := runToTerminal(t, h, e.ExecutionID)
	require.Equal(t, domain.StatusAwaitingApproval, suspended.Status)

	req, err := h.workflow.Get(ctx, e.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalPending, req.Status)

	_, err = h.workflow.Approve(ctx, e.ExecutionID, "approver@example.com", "looks good")
	require.NoError(t, err)

	final := runToTerminal(t, h, e.ExecutionID)
	require.Equal(t, domain.StatusSucceeded, final.Status)
}

func TestExecutor_ApprovalRejectedEndsTerminal(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, 2, module)
	ctx := context.Background()

	e := newExecution(module, domain.EnvProduction, domain.StrategyDirect, true, false)
	require.NoError(t, h.store.Create(ctx, e))

	suspended := runToTerminal(t, h, e.ExecutionID)
	require.Equal(t, domain.StatusAwaitingApproval, suspended.Status)

	_, err := h.workflow.Reject(ctx, e.ExecutionID, "approver@example.com", "not now")
	require.NoError(t, err)

	final := runToTerminal(t, h, e.ExecutionID)
	require.Equal(t, domain.StatusRejectedApproval, final.Status)
}

func TestExecutor_ApprovalExpiredEndsTerminal(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, 2, module)
	h.exec.settings.ApprovalTTLFor = func(domain.Environment) time.Duration { return -time.Minute }
	ctx := context.Background()

	e := newExecution(module, domain.EnvProduction, domain.StrategyDirect, true, false)
	require.NoError(t, h.store.Create(ctx, e))

	suspended := runToTerminal(t, h, e.ExecutionID)
	require.Equal(t, domain.StatusAwaitingApproval, suspended.Status)

	expired, err := h.workflow.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	final := runToTerminal(t, h, e.ExecutionID)
	require.Equal(t, domain.StatusExpired, final.Status)
}

func TestExecutor_ValidateRejectsUnknownEnvironment(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, 1, module)
	ctx := context.Background()

	e := newExecution(module, domain.Environment("nonexistent"), domain.StrategyDirect, false, false)
	require.NoError(t, h.store.Create(ctx, e))

	final := runToTerminal(t, h, e.ExecutionID)
	require.Equal(t, domain.StatusFailed, final.Status)
	require.Contains(t, final.Message, "unknown environment")
}

func TestExecutor_ValidateRejectsTerminalDuplicateWithoutForce(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, 1, module)
	ctx := context.Background()

	first := newExecution(module, domain.EnvStaging, domain.StrategyDirect, false, false)
	require.NoError(t, h.store.Create(ctx, first))
	finalFirst := runToTerminal(t, h, first.ExecutionID)
	require.Equal(t, domain.StatusSucceeded, finalFirst.Status)

	second := newExecution(module, domain.EnvStaging, domain.StrategyDirect, false, false)
	second.TargetVersion = first.TargetVersion
	require.NoError(t, h.store.Create(ctx, second))

	finalSecond := runToTerminal(t, h, second.ExecutionID)
	require.Equal(t, domain.StatusFailed, finalSecond.Status)
	require.Contains(t, finalSecond.Message, "terminal execution already exists")
}

func TestExecutor_VerifyFailureFailsFast(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, 1, module)
	ctx := context.Background()

	e := newExecution(module, domain.EnvStaging, domain.StrategyDirect, false, false)
	delete(e.Metadata, "artifact_digest")
	require.NoError(t, h.store.Create(ctx, e))

	final := runToTerminal(t, h, e.ExecutionID)
	require.Equal(t, domain.StatusFailed, final.Status)
	require.Contains(t, final.Message, "verification failed")
}

func TestExecutor_DeployFailureRollsBack(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, 3, module)
	h.client.PermanentFailures[nodeName(1)] = true
	ctx := context.Background()

	e := newExecution(module, domain.EnvStaging, domain.StrategyDirect, false, false)
	require.NoError(t, h.store.Create(ctx, e))

	final := runToTerminal(t, h, e.ExecutionID)
	require.Contains(t, []domain.ExecutionStatus{domain.StatusRolledBack, domain.StatusRolledBackWithErrs}, final.Status)
}

func TestExecutor_RunOnCancelledExecutionIsNoop(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, 2, module)
	ctx := context.Background()

	e := newExecution(module, domain.EnvStaging, domain.StrategyRolling, false, false)
	require.NoError(t, h.store.Create(ctx, e))

	// A Cancelled execution is terminal: Run must return immediately
	// without attempting to dispatch to a strategy at all.
	require.NoError(t, h.store.UpdateStatus(ctx, e.ExecutionID, domain.StatusValidating, ""))
	require.NoError(t, h.store.UpdateStatus(ctx, e.ExecutionID, domain.StatusCancelled, "operator cancelled"))

	require.NoError(t, h.exec.Run(ctx, e.ExecutionID))
	final, err := h.store.Get(ctx, e.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, final.Status)
}

func TestExecutor_DeadlineExceededRollsBack(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, 2, module)
	h.exec.settings.Deadline = time.Millisecond
	ctx := context.Background()

	e := newExecution(module, domain.EnvStaging, domain.StrategyDirect, false, false)
	e.StartedAt = time.Now().Add(-time.Hour)
	require.NoError(t, h.store.Create(ctx, e))
	require.NoError(t, h.store.UpdateStatus(ctx, e.ExecutionID, domain.StatusValidating, ""))
	require.NoError(t, h.store.UpdateStatus(ctx, e.ExecutionID, domain.StatusVerifying, ""))
	require.NoError(t, h.store.UpdateStatus(ctx, e.ExecutionID, domain.StatusDeploying, ""))

	require.NoError(t, h.exec.Run(ctx, e.ExecutionID))
	final, err := h.store.Get(ctx, e.ExecutionID)
	require.NoError(t, err)
	require.Contains(t, []domain.ExecutionStatus{domain.StatusRolledBack, domain.StatusRolledBackWithErrs}, final.Status)
}
