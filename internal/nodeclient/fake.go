package nodeclient

import (
	"context"
	"sync"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// FakeClient is an in-process Client for strategy, pipeline, and
// orchestrator tests: scripted per-node behavior without a real node
// agent. It tracks (executionID, nodeID) applies so tests can assert the
// at-most-applied invariant the same way a real node would.
type FakeClient struct {
	mu sync.Mutex

	// DeployFailures maps nodeID -> the number of times Deploy should
	// fail with a transient error before succeeding.
	DeployFailures map[string]int
	// PermanentFailures marks nodeIDs whose Deploy always fails fatally.
	PermanentFailures map[string]bool
	// Health maps nodeID -> the fixed health to report; HealthFunc, if
	// set, overrides this for dynamic (e.g. canary SLI) scenarios.
	Health     map[string]Health
	HealthFunc func(nodeID string) Health

	applied  map[string]domain.Version // "executionID|nodeID" -> version
	attempts map[string]int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		DeployFailures:    make(map[string]int),
		PermanentFailures: make(map[string]bool),
		Health:            make(map[string]Health),
		applied:           make(map[string]domain.Version),
		attempts:          make(map[string]int),
	}
}

func applyKey(executionID, nodeID string) string { return executionID + "|" + nodeID }

func (f *FakeClient) Deploy(_ context.Context, executionID string, node *domain.Node, artifact domain.Artifact) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := applyKey(executionID, node.ID)
	if v, ok := f.applied[key]; ok {
		// Idempotent replay: already applied, no second apply.
		return Result{NodeID: node.ID, Success: true, AppliedVersion: v, DurationMs: 1}, nil
	}

	f.attempts[key]++
	if f.PermanentFailures[node.ID] {
		return Result{NodeID: node.ID}, &domain.NodeError{NodeID: node.ID, Transient: false, Cause: ErrIncompatibleVersion}
	}
	if remaining := f.DeployFailures[node.ID]; remaining > 0 {
		f.DeployFailures[node.ID] = remaining - 1
		return Result{NodeID: node.ID}, &domain.NodeError{NodeID: node.ID, Transient: true, Cause: ErrNetwork}
	}

	f.applied[key] = artifact.Version
	return Result{NodeID: node.ID, Success: true, AppliedVersion: artifact.Version, DurationMs: 5}, nil
}

func (f *FakeClient) Rollback(_ context.Context, executionID string, node *domain.Node, toVersion domain.Version) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := applyKey(executionID, node.ID)
	delete(f.applied, key)
	return Result{NodeID: node.ID, Success: true, AppliedVersion: toVersion, DurationMs: 5}, nil
}

func (f *FakeClient) HealthCheck(_ context.Context, node *domain.Node) (Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HealthFunc != nil {
		return f.HealthFunc(node.ID), nil
	}
	if h, ok := f.Health[node.ID]; ok {
		return h, nil
	}
	return Health{Status: domain.HealthHealthy, LatencyMs: 10, LastHeartbeat: time.Now()}, nil
}

// AttemptsFor reports how many Deploy attempts were made for
// (executionID, nodeID), for asserting retry counts in tests.
func (f *FakeClient) AttemptsFor(executionID, nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[applyKey(executionID, nodeID)]
}

var _ Client = (*FakeClient)(nil)
