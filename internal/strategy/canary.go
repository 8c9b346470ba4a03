package strategy

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// Canary progressively upgrades nodes in percentage steps, selecting
// nodes deterministically by a stable hash of their ID so repeated runs
// (and resumptions after a suspension) pick the same set, observing SLIs
// after each step and rolling back on budget breach.
type Canary struct {
	Steps                    []int // default [10, 30, 50, 100]
	StepObservation          time.Duration
	SampleInterval           time.Duration
	ErrorRateBudgetPct       float64 // default 1.0 (%)
	LatencyBudgetMs          float64 // 0 disables the latency gate
	SLIScope                 string  // "cluster" (default) or "per-node"
	RequireApprovalFirstStep bool
	Clock                    Clock
}

func (c Canary) steps() []int {
	if len(c.Steps) > 0 {
		return c.Steps
	}
	return []int{10, 30, 50, 100}
}

func (c Canary) stepObservation() time.Duration {
	if c.StepObservation > 0 {
		return c.StepObservation
	}
	return 120 * time.Second
}

func (c Canary) sampleInterval() time.Duration {
	if c.SampleInterval > 0 {
		return c.SampleInterval
	}
	return 10 * time.Second
}

func (c Canary) errorBudget() float64 {
	if c.ErrorRateBudgetPct > 0 {
		return c.ErrorRateBudgetPct
	}
	return 1.0
}

func (c Canary) clock() Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return RealClock{}
}

// stableHash derives a deterministic ordering key for a node ID so
// percentage-step node selection is repeatable across runs and resumes.
func stableHash(nodeID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return h.Sum32()
}

func sortedByHash(nodes []*domain.Node) []*domain.Node {
	out := append([]*domain.Node(nil), nodes...)
	sort.Slice(out, func(i, j int) bool {
		hi, hj := stableHash(out[i].ID), stableHash(out[j].ID)
		if hi != hj {
			return hi < hj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c Canary) Execute(ctx context.Context, in Input, observer Observer, control Control) (Outcome, error) {
	nodeByID := make(map[string]*domain.Node, len(in.Nodes))
	for _, n := range in.Nodes {
		nodeByID[n.ID] = n
	}
	ordered := sortedByHash(in.Nodes)
	n := len(ordered)

	upgraded := make(map[string]bool)
	var deployed []string
	if in.Resume != nil {
		if ids, ok := in.Resume["deployed_node_ids"].([]string); ok {
			for _, id := range ids {
				upgraded[id] = true
				deployed = append(deployed, id)
			}
		}
	}

	approvalDone := len(c.steps()) == 0
	for stepIdx, pct := range c.steps() {
		if control.Cancelled() {
			rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
			return Outcome{Status: OutcomeCancelled, DeployedNodeIDs: deployed, Message: "cancelled"}, nil
		}

		target := int(math.Ceil(float64(pct) / 100 * float64(n)))
		var toApply []*domain.Node
		for _, node := range ordered {
			if len(upgraded) >= target {
				break
			}
			if upgraded[node.ID] {
				continue
			}
			toApply = append(toApply, node)
		}

		if len(toApply) > 0 {
			ok, stepDeployed := c.applyStep(ctx, in, observer, toApply)
			for _, id := range stepDeployed {
				upgraded[id] = true
				deployed = append(deployed, id)
			}
			observer.OnProgress(ctx, map[string]any{"step": stepIdx, "percentage": pct, "deployed_node_ids": deployed})
			if !ok {
				rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
				return Outcome{Status: OutcomeFailed, DeployedNodeIDs: deployed, Message: "canary step failed to apply"}, nil
			}
		}

		observed := nodesFromIDs(nodeByID, deployed)
		passed, err := c.observeStep(ctx, in, observed)
		if err != nil {
			rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
			return Outcome{Status: OutcomeFailed, DeployedNodeIDs: deployed, Message: err.Error()}, nil
		}
		if !passed {
			rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
			return Outcome{Status: OutcomeFailed, DeployedNodeIDs: deployed, Message: "canary step exceeded SLI budget"}, nil
		}

		if !approvalDone && pct != 100 && c.RequireApprovalFirstStep {
			approvalDone = true
			approved, err := control.AwaitApproval(ctx)
			if err != nil {
				return Outcome{}, err
			}
			if !approved {
				rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
				return Outcome{Status: OutcomeFailed, DeployedNodeIDs: deployed, Message: "approval rejected or expired"}, nil
			}
		}
	}

	return Outcome{Status: OutcomeSucceeded, DeployedNodeIDs: deployed}, nil
}

func nodesFromIDs(byID map[string]*domain.Node, ids []string) []*domain.Node {
	out := make([]*domain.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

func (c Canary) applyStep(ctx context.Context, in Input, observer Observer, nodes []*domain.Node) (bool, []string) {
	var (
		mu       sync.Mutex
		deployed []string
		ok       = true
		wg       sync.WaitGroup
	)
	for _, node := range nodes {
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

// observeStep samples SLIs over StepObservation at SampleInterval,
// passing iff every sample clears the error-rate and latency budgets:
// the cluster average error rate and p95 latency by default, or, under
// the per-node scope, the per-node maxima with no node unhealthy.
func (c Canary) observeStep(ctx context.Context, in Input, nodes []*domain.Node) (bool, error) {
	if len(nodes) == 0 {
		return true, nil
	}
	clock := c.clock()
	elapsed := time.Duration(0)
	interval := c.sampleInterval()
	for {
		sli, err := in.Oracle.Sample(ctx, nodes)
		if err != nil {
			return false, err
		}
		errRate, latency := sli.ErrorRatePct, sli.P95LatencyMs
		if c.SLIScope == "per-node" {
			if len(sli.UnhealthyIDs) > 0 {
				return false, nil
			}
			errRate, latency = sli.MaxErrorRatePct, sli.MaxLatencyMs
		}
		if errRate > c.errorBudget() {
			return false, nil
		}
		if c.LatencyBudgetMs > 0 && latency > c.LatencyBudgetMs {
			return false, nil
		}
		elapsed += interval
		if elapsed >= c.stepObservation() {
			return true, nil
		}
		if err := clock.Sleep(ctx, interval); err != nil {
			return false, err
		}
	}
}

var _ Strategy = Canary{}
