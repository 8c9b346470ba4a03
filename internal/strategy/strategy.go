// Package strategy implements the Deployment Strategies: Direct,
// Rolling, Blue/Green, and Canary rollout algorithms, each driving nodes
// through a nodeclient.Client under bounded parallelism and cooperative
// cancellation. Strategies form a sealed variant set; the
// Pipeline Executor selects one by domain.Strategy and drives it.
package strategy

import (
	"context"
	"time"

	"github.com/kubedeploy/orchestrator/internal/core/resilience"
	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
)

// nodeApplyRetryChecker routes resilience.WithRetry's retry decision
// through nodeclient.Transient, so only NodeTransient failures (network,
// resource exhaustion) get the strategy-level retry budget;
// NodePermanent failures (verification, incompatible version) stop the
// loop and surface fatally on the first attempt.
type nodeApplyRetryChecker struct{}

func (nodeApplyRetryChecker) IsRetryable(err error) bool { return nodeclient.Transient(err) }

// nodeApplyRetryPolicy bounds the per-node retry budget a strategy spends
// on a single Deploy call before recording it Failed.
func nodeApplyRetryPolicy() *resilience.RetryPolicy {
	return &resilience.RetryPolicy{
		MaxRetries:    2,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		ErrorChecker:  nodeApplyRetryChecker{},
		OperationName: "node_deploy",
	}
}

// Input bundles everything one Execute call needs: the execution being
// driven, the node set the strategy must converge, the artifact to apply,
// and the node client to apply it with.
type Input struct {
	Execution *domain.DeploymentExecution
	Nodes     []*domain.Node
	Artifact  domain.Artifact
	Client    nodeclient.Client
	Oracle    HealthOracle
	// Resume carries the persisted stage context from a prior suspension,
	// nil on a fresh attempt.
	Resume map[string]any
}

// Observer receives progress the pipeline persists as it happens, so a
// crash mid-strategy loses no more than the in-flight node operation.
type Observer interface {
	// OnNodeResult is called once per node operation (apply or rollback).
	OnNodeResult(ctx context.Context, result domain.NodeResult)
	// OnProgress persists a resumable snapshot of strategy-internal state
	// (batch index, step index, nodes deployed so far).
	OnProgress(ctx context.Context, stageContext map[string]any)
}

// Control is the cooperative-cancellation and approval-suspension seam a
// strategy consults between node operations, batches, and steps.
type Control interface {
	// Cancelled reports whether the execution has an external cancel
	// request pending.
	Cancelled() bool
	// AwaitApproval suspends until the execution's approval gate reaches
	// a terminal status, returning whether it was Approved.
	AwaitApproval(ctx context.Context) (approved bool, err error)
}

// Outcome is the result of one Execute call.
type Outcome struct {
	Status StageOutcomeStatus
	// DeployedNodeIDs lists nodes this call successfully applied, in
	// upgrade order, so a failure elsewhere can roll them back in
	// reverse.
	DeployedNodeIDs []string
	Message         string
}

// StageOutcomeStatus is the terminal disposition of one strategy run.
type StageOutcomeStatus string

const (
	OutcomeSucceeded StageOutcomeStatus = "succeeded"
	OutcomeFailed    StageOutcomeStatus = "failed"
	OutcomeCancelled StageOutcomeStatus = "cancelled"
)

// Strategy is the contract every rollout algorithm implements.
type Strategy interface {
	Execute(ctx context.Context, in Input, observer Observer, control Control) (Outcome, error)
}

// applyOne issues one Deploy, retrying NodeTransient failures within a
// bounded budget via resilience.WithRetry, and turns the
// final outcome into a domain.NodeResult. Idempotency of repeated Deploy
// calls for the same (executionID, nodeId) is the node client's
// responsibility, so retrying here is safe even if an
// earlier attempt partially landed.
func applyOne(ctx context.Context, client nodeclient.Client, executionID string, node *domain.Node, artifact domain.Artifact) (domain.NodeResult, error) {
	start := time.Now()
	attempts := 0
	var res nodeclient.Result
	err := resilience.WithRetry(ctx, nodeApplyRetryPolicy(), func() error {
		attempts++
		var applyErr error
		res, applyErr = client.Deploy(ctx, executionID, node, artifact)
		return applyErr
	})
	elapsed := time.Since(start).Milliseconds()
	nr := domain.NodeResult{
		NodeID:      node.ID,
		FromVersion: node.CurrentVersions[artifact.Module],
		ToVersion:   artifact.Version,
		DurationMs:  elapsed,
		RetryCount:  attempts - 1,
	}
	if err != nil {
		nr.Status = domain.NodeResultFailed
		nr.Error = err.Error()
		return nr, err
	}
	nr.Status = domain.NodeResultSuccess
	nr.ToVersion = res.AppliedVersion
	nr.DurationMs = res.DurationMs
	return nr, nil
}

// rollbackDeployed rolls back nodeIDs in reverse order, recording every
// outcome regardless of individual failures.
func rollbackDeployed(ctx context.Context, client nodeclient.Client, executionID string, nodes map[string]*domain.Node, deployedIDs []string, toVersion func(nodeID string) domain.Version, observer Observer) bool {
	allOK := true
	for i := len(deployedIDs) - 1; i >= 0; i-- {
		nodeID := deployedIDs[i]
		node := nodes[nodeID]
		if node == nil {
			continue
		}
		res, err := client.Rollback(ctx, executionID, node, toVersion(nodeID))
		nr := domain.NodeResult{
			NodeID:     nodeID,
			ToVersion:  toVersion(nodeID),
			RolledBack: true,
		}
		if err != nil {
			allOK = false
			nr.Status = domain.NodeResultFailed
			nr.Error = err.Error()
		} else {
			nr.Status = domain.NodeResultRolledBack
			nr.DurationMs = res.DurationMs
		}
		observer.OnNodeResult(ctx, nr)
	}
	return allOK
}
