package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// PoolSwitcher is the seam into the Cluster Registry's active-pool
// pointer, kept narrow so strategy tests don't need a full registry.
type PoolSwitcher interface {
	ActivePool(ctx context.Context, env domain.Environment) (string, error)
	SwitchActivePool(ctx context.Context, env domain.Environment, newActive string) error
}

// BlueGreen deploys the new version to the inactive pool, smoke-tests it,
// optionally waits for approval, then atomically flips the active
// pointer. The prior active pool is left untouched as a rollback
// reservoir for HoldDuration.
type BlueGreen struct {
	Switcher        PoolSwitcher
	SmokeWindow     time.Duration // default 60s
	RequireApproval bool
	HoldDuration    time.Duration // default 600s, informational: old pool untouched regardless
	Clock           Clock
}

func (b BlueGreen) smokeWindow() time.Duration {
	if b.SmokeWindow > 0 {
		return b.SmokeWindow
	}
	return 60 * time.Second
}

func (b BlueGreen) holdDuration() time.Duration {
	if b.HoldDuration > 0 {
		return b.HoldDuration
	}
	return 600 * time.Second
}

func (b BlueGreen) clock() Clock {
	if b.Clock != nil {
		return b.Clock
	}
	return RealClock{}
}

func otherPool(active string) string {
	if active == "blue" {
		return "green"
	}
	return "blue"
}

func partitionByPool(nodes []*domain.Node, pool string) []*domain.Node {
	var out []*domain.Node
	for _, n := range nodes {
		if n.Pool == pool {
			out = append(out, n)
		}
	}
	return out
}

func (b BlueGreen) Execute(ctx context.Context, in Input, observer Observer, control Control) (Outcome, error) {
	nodeByID := make(map[string]*domain.Node, len(in.Nodes))
	for _, n := range in.Nodes {
		nodeByID[n.ID] = n
	}

	active, err := b.Switcher.ActivePool(ctx, in.Execution.Environment)
	if err != nil {
		return Outcome{}, fmt.Errorf("strategy: blue/green active pool lookup: %w", err)
	}
	inactive := otherPool(active)
	targets := partitionByPool(in.Nodes, inactive)
	if len(targets) == 0 {
		return Outcome{}, fmt.Errorf("%w: no nodes in inactive pool %q", domain.ErrValidation, inactive)
	}

	// 1. Deploy to the inactive pool.
	ok, deployed := (Direct{Concurrency: len(targets)}).applyAll(ctx, in, observer, targets)
	observer.OnProgress(ctx, map[string]any{"phase": "deployed_inactive", "inactive_pool": inactive, "deployed_node_ids": deployed})
	if !ok {
		rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
		return Outcome{Status: OutcomeFailed, DeployedNodeIDs: deployed, Message: "inactive pool failed to apply"}, nil
	}
	if control.Cancelled() {
		rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
		return Outcome{Status: OutcomeCancelled, DeployedNodeIDs: deployed, Message: "cancelled"}, nil
	}

	// 2. Smoke test the inactive pool.
	if err := b.clock().Sleep(ctx, b.smokeWindow()); err != nil {
		rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
		return Outcome{Status: OutcomeCancelled, DeployedNodeIDs: deployed, Message: "cancelled during smoke window"}, nil
	}
	sli, err := in.Oracle.Sample(ctx, targets)
	if err != nil {
		return Outcome{}, fmt.Errorf("strategy: blue/green smoke sample: %w", err)
	}
	if sli.HealthyRatio < 1.0 {
		rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
		return Outcome{Status: OutcomeFailed, DeployedNodeIDs: deployed, Message: "inactive pool failed smoke test"}, nil
	}
	observer.OnProgress(ctx, map[string]any{"phase": "smoke_passed", "inactive_pool": inactive, "deployed_node_ids": deployed})

	// 3. Approval gate, if policy requires.
	if b.RequireApproval {
		approved, err := control.AwaitApproval(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("strategy: blue/green awaiting approval: %w", err)
		}
		if !approved {
			rollbackDeployed(ctx, in.Client, in.Execution.ExecutionID, nodeByID, deployed, previousVersionLookup(in), observer)
			return Outcome{Status: OutcomeFailed, DeployedNodeIDs: deployed, Message: "approval rejected or expired"}, nil
		}
	}

	// 4. Atomically flip the active pointer.
	if err := b.Switcher.SwitchActivePool(ctx, in.Execution.Environment, inactive); err != nil {
		return Outcome{}, fmt.Errorf("strategy: blue/green pool switch: %w", err)
	}
	observer.OnProgress(ctx, map[string]any{
		"phase":             "switched",
		"active_pool":       inactive,
		"hold_until":        time.Now().Add(b.holdDuration()),
		"deployed_node_ids": deployed,
	})

	// 5. The old pool (now `active`) is left untouched; it is the
	// rollback reservoir for HoldDuration. Nothing further to do here.
	return Outcome{Status: OutcomeSucceeded, DeployedNodeIDs: deployed}, nil
}

// applyAll is Direct's inner concurrent-apply loop, reused by BlueGreen to
// apply to exactly the target node subset (the inactive pool) rather than
// all of in.Nodes.
func (d Direct) applyAll(ctx context.Context, in Input, observer Observer, targets []*domain.Node) (bool, []string) {
	scoped := in
	scoped.Nodes = targets
	outcome, _ := d.Execute(ctx, scoped, observer, alwaysRunningControl{})
	return outcome.Status == OutcomeSucceeded, outcome.DeployedNodeIDs
}

// alwaysRunningControl is a Control that never reports cancellation and
// never suspends for approval, used internally where the caller already
// owns cancellation handling (BlueGreen's inner Direct apply).
type alwaysRunningControl struct{}

func (alwaysRunningControl) Cancelled() bool { return false }
func (alwaysRunningControl) AwaitApproval(context.Context) (bool, error) { return true, nil }

var _ Strategy = BlueGreen{}
