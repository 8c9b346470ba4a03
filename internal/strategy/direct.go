package strategy

import (
	"context"
	"sync"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// Direct applies the new version to every node concurrently, bounded by
// Concurrency, with no health gating between nodes. The stage succeeds
// iff every node succeeds; any failure rolls back only the nodes this
// call already applied.
type Direct struct {
	// Concurrency bounds parallel applies; default 10.
	Concurrency int
}

func (d Direct) concurrency(n int) int {
	c := d.Concurrency
	if c <= 0 {
		c = 10
	}
	if c > n {
		c = n
	}
	if c < 1 {
		c = 1
	}
	return c
}

func (d Direct) Execute(ctx context.Context, in Input, observer Observer, control Control) (Outcome, error) {
	nodeByID := make(map[string]*domain.Node, len(in.Nodes))
	for _, n := range in.Nodes {
		nodeByID[n.ID] = n
	}

	var (
		mu       sync.Mutex
		deployed []string
		failed   bool
	)

	sem := make(chan struct{}, d.concurrency(len(in.Nodes)))
	var wg sync.WaitGroup
	for _, node := range in.Nodes {
		if control.Cancelled() {
			break
		}
		node := node
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			nr, err := applyOne(ctx, in.Client, in.Execution.ExecutionID, node, in.Artifact)
			observer.OnNodeResult(ctx, nr)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = true
				return
			}
			deployed = append(deployed, node.ID)
		}()
	}
	wg.Wait()
	observer.OnProgress(ctx, map[string]any{"deployed_node_ids": deployed})

	if control.Cancelled() {
		ok := rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
		status := OutcomeCancelled
		if !ok {
			status = OutcomeFailed
		}
		return Outcome{Status: status, DeployedNodeIDs: deployed, Message: "cancelled"}, nil
	}

	if failed {
		rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
		return Outcome{Status: OutcomeFailed, DeployedNodeIDs: deployed, Message: "one or more nodes failed to apply"}, nil
	}

	return Outcome{Status: OutcomeSucceeded, DeployedNodeIDs: deployed}, nil
}

// previousVersionLookup builds the rollback target-version function from
// the execution's snapshotted PreviousVersions.
func previousVersionLookup(in Input) func(nodeID string) domain.Version {
	return func(nodeID string) domain.Version {
		if v, ok := in.Execution.PreviousVersions[nodeID]; ok {
			return v
		}
		return domain.Version{}
	}
}

var _ Strategy = Direct{}
