package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// Rolling partitions nodes into sequential batches, applying within each
// batch in parallel and gating progress on a stabilization window before
// moving to the next batch.
type Rolling struct {
	BatchSize             int           // default ceil(n/5), minimum 1
	StabilizationDelay    time.Duration // default 30s: wait before sampling starts
	HealthSamples         int           // default 3
	SampleInterval        time.Duration // default 10s
	HealthyThreshold      float64       // default 1.0 (100%)
	Clock                 Clock
}

func (r Rolling) batchSize(n int) int {
	if r.BatchSize > 0 {
		return r.BatchSize
	}
	bs := (n + 4) / 5
	if bs < 1 {
		bs = 1
	}
	return bs
}

func (r Rolling) clock() Clock {
	if r.Clock != nil {
		return r.Clock
	}
	return RealClock{}
}

func (r Rolling) healthySamples() int {
	if r.HealthSamples > 0 {
		return r.HealthSamples
	}
	return 3
}

func (r Rolling) sampleInterval() time.Duration {
	if r.SampleInterval > 0 {
		return r.SampleInterval
	}
	return 10 * time.Second
}

func (r Rolling) stabilizationDelay() time.Duration {
	if r.StabilizationDelay > 0 {
		return r.StabilizationDelay
	}
	return 30 * time.Second
}

func (r Rolling) healthyThreshold() float64 {
	if r.HealthyThreshold > 0 {
		return r.HealthyThreshold
	}
	return 1.0
}

func batchNodes(nodes []*domain.Node, size int) [][]*domain.Node {
	var batches [][]*domain.Node
	for i := 0; i < len(nodes); i += size {
		end := i + size
		if end > len(nodes) {
			end = len(nodes)
		}
		batches = append(batches, nodes[i:end])
	}
	return batches
}

func (r Rolling) Execute(ctx context.Context, in Input, observer Observer, control Control) (Outcome, error) {
	nodeByID := make(map[string]*domain.Node, len(in.Nodes))
	for _, n := range in.Nodes {
		nodeByID[n.ID] = n
	}
	batches := batchNodes(in.Nodes, r.batchSize(len(in.Nodes)))

	startBatch := 0
	var deployed []string
	if in.Resume != nil {
		if idx, ok := in.Resume["current_batch"].(int); ok {
			startBatch = idx
		}
		if ids, ok := in.Resume["deployed_node_ids"].([]string); ok {
			deployed = append(deployed, ids...)
		}
	}

	for batchIdx := startBatch; batchIdx < len(batches); batchIdx++ {
		if control.Cancelled() {
			rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
			return Outcome{Status: OutcomeCancelled, DeployedNodeIDs: deployed, Message: "cancelled"}, nil
		}

		batch := batches[batchIdx]
		batchOK, batchDeployed := r.applyBatch(ctx, in, observer, batch)
		deployed = append(deployed, batchDeployed...)
		observer.OnProgress(ctx, map[string]any{"current_batch": batchIdx + 1, "deployed_node_ids": deployed})

		if !batchOK {
			rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
			return Outcome{Status: OutcomeFailed, DeployedNodeIDs: deployed, Message: "batch failed to apply"}, nil
		}

		if stable, err := r.stabilize(ctx, in, batch); err != nil || !stable {
			rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
			msg := "batch failed stabilization window"
			if err != nil {
				msg = err.Error()
			}
			return Outcome{Status: OutcomeFailed, DeployedNodeIDs: deployed, Message: msg}, nil
		}
	}

	return Outcome{Status: OutcomeSucceeded, DeployedNodeIDs: deployed}, nil
}

func (r Rolling) applyBatch(ctx context.Context, in Input, observer Observer, batch []*domain.Node) (bool, []string) {
	var (
		mu       sync.Mutex
		deployed []string
		ok       = true
		wg       sync.WaitGroup
	)
	for _, node := range batch {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			nr, err := applyOne(ctx, in.Client, in.Execution.ExecutionID, node, in.Artifact)
			observer.OnNodeResult(ctx, nr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ok = false
				return
			}
			deployed = append(deployed, node.ID)
		}()
	}
	wg.Wait()
	return ok, deployed
}

// stabilize waits StabilizationDelay then samples the batch's health
// HealthSamples times at SampleInterval, passing iff every sample clears
// HealthyThreshold.
func (r Rolling) stabilize(ctx context.Context, in Input, batch []*domain.Node) (bool, error) {
	clock := r.clock()
	if err := clock.Sleep(ctx, r.stabilizationDelay()); err != nil {
		return false, err
	}
	for i := 0; i < r.healthySamples(); i++ {
		sli, err := in.Oracle.Sample(ctx, batch)
		if err != nil {
			return false, err
		}
		if sli.HealthyRatio < r.healthyThreshold() {
			return false, nil
		}
		if i < r.healthySamples()-1 {
			if err := clock.Sleep(ctx, r.sampleInterval()); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

var _ Strategy = Rolling{}
