package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/approval"
	"github.com/kubedeploy/orchestrator/internal/audit"
	"github.com/kubedeploy/orchestrator/internal/cluster"
	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
	"github.com/kubedeploy/orchestrator/internal/pipeline"
	"github.com/kubedeploy/orchestrator/internal/queue"
	"github.com/kubedeploy/orchestrator/internal/strategy"
	"github.com/kubedeploy/orchestrator/internal/verify"
)

// flakyStore wraps MemoryStore so a test can simulate the store becoming
// unreachable mid-run, an infrastructure-category failure.
type flakyStore struct {
	*pipeline.MemoryStore
	failGet atomic.Bool
}

func (s *flakyStore) Get(ctx context.Context, id string) (*domain.DeploymentExecution, error) {
	if s.failGet.Load() {
		return nil, fmt.Errorf("%w: simulated store outage", domain.ErrInfrastructure)
	}
	return s.MemoryStore.Get(ctx, id)
}

type harness struct {
	store *flakyStore
	jobs  *queue.MemoryQueue
	exec  *pipeline.Executor
}

func newHarness(t *testing.T, module domain.ModuleName, nodeCount int) *harness {
	t.Helper()
	specs := make([]cluster.NodeSpec, nodeCount)
	for i := range specs {
		id := string(rune('a'+i)) + "-node"
		specs[i] = cluster.NodeSpec{
			ID: id, Hostname: id + ".internal", Environment: string(domain.EnvStaging),
			Versions: map[string]string{string(module): "1.0.0"},
		}
	}
	registry, err := cluster.NewFromSpecs(specs)
	require.NoError(t, err)

	client := nodeclient.NewFakeClient()
	workflow := approval.New(approval.NewMemoryStore(), nil)
	strategies := map[domain.Strategy]strategy.Strategy{
		domain.StrategyDirect: strategy.Direct{Concurrency: 4},
	}
	settings := pipeline.DefaultSettings()
	settings.Deadline = 0

	store := &flakyStore{MemoryStore: pipeline.NewMemoryStore()}
	exec := pipeline.NewExecutor(store, registry, client, verify.DigestVerifier{}, workflow, strategies,
		strategy.NewClientHealthOracle(client), settings, nil, pipeline.WithSink(&audit.MemorySink{}))

	return &harness{store: store, jobs: queue.NewMemoryQueue(), exec: exec}
}

func newExecution(module domain.ModuleName) *domain.DeploymentExecution {
	v, _ := domain.ParseVersion("2.0.0")
	return &domain.DeploymentExecution{
		ExecutionID:      domain.NewExecutionID(),
		ModuleName:       module,
		TargetVersion:    v,
		PreviousVersions: map[string]domain.Version{},
		Environment:      domain.EnvStaging,
		Strategy:         domain.StrategyDirect,
		RequesterEmail:   "requester@example.com",
		Metadata:         map[string]string{"artifact_digest": "sha256:deadbeef", "artifact_signature": "sig"},
		CreatedAt:        time.Now(),
		Status:           domain.StatusCreated,
	}
}

func TestRunner_ClaimsRunsAndCompletesJob(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, module, 3)
	ctx := context.Background()

	e := newExecution(module)
	require.NoError(t, h.store.Create(ctx, e))
	payload, _ := json.Marshal(struct{ ExecutionID string }{e.ExecutionID})
	_, err := h.jobs.Enqueue(ctx, e.ExecutionID, payload, 0, 5)
	require.NoError(t, err)

	r := New(h.jobs, h.exec, h.store, Settings{ID: "w1", Concurrency: 2, PollInterval: time.Hour, LeaseDuration: time.Minute}, nil)
	r.pollOnce(ctx)

	final, err := h.store.Get(ctx, e.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, final.Status)
}

func TestRunner_LeavesSuspendedJobRunning(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, module, 3)
	ctx := context.Background()

	e := newExecution(module)
	e.RequireApproval = true
	require.NoError(t, h.store.Create(ctx, e))
	payload, _ := json.Marshal(struct{ ExecutionID string }{e.ExecutionID})
	job, err := h.jobs.Enqueue(ctx, e.ExecutionID, payload, 0, 5)
	require.NoError(t, err)

	r := New(h.jobs, h.exec, h.store, Settings{ID: "w1", Concurrency: 2, PollInterval: time.Hour, LeaseDuration: time.Minute}, nil)
	r.pollOnce(ctx)

	final, err := h.store.Get(ctx, e.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingApproval, final.Status)

	// The job should not have been marked Succeeded or Failed: the
	// stale-lease sweep re-arms it once its lease expires, and re-claiming
	// it is how the worker re-checks the approval gate.
	completeErr := h.jobs.Complete(ctx, job.ID, "w1")
	assert.NoError(t, completeErr, "job must still be owned by this worker (Running), not already terminal")
}

func TestRunner_RetriesOnInfrastructureError(t *testing.T) {
	const module = domain.ModuleName("payments-api")
	h := newHarness(t, module, 3)
	ctx := context.Background()

	e := newExecution(module)
	require.NoError(t, h.store.Create(ctx, e))
	payload, _ := json.Marshal(struct{ ExecutionID string }{e.ExecutionID})
	_, err := h.jobs.Enqueue(ctx, e.ExecutionID, payload, 0, 5)
	require.NoError(t, err)

	// Simulate the store becoming unreachable: Executor.Run's first Get
	// now fails with an Infrastructure error, which must retry rather
	// than Fail.
	h.store.failGet.Store(true)

	r := New(h.jobs, h.exec, h.store, Settings{ID: "w1", Concurrency: 2, PollInterval: time.Hour, LeaseDuration: time.Minute}, nil)
	r.pollOnce(ctx)

	jobs, err := h.jobs.Claim(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, jobs, "job must not be immediately claimable again (backoff applies)")
}
