package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
)

func TestCanary_AllStepsHealthySucceeds(t *testing.T) {
	nodes := makeNodes(10, domain.EnvProduction, "")
	client := nodeclient.NewFakeClient()
	obs := &recordingObserver{}
	c := Canary{Steps: []int{10, 30, 50, 100}, Clock: FakeClock{}, StepObservation: 1, SampleInterval: 1}

	outcome, err := c.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome.Status)
	assert.Len(t, outcome.DeployedNodeIDs, 10)
}

func TestCanary_StepFailsOnErrorBudgetAndRollsBack(t *testing.T) {
	nodes := makeNodes(10, domain.EnvProduction, "")
	client := nodeclient.NewFakeClient()
	obs := &recordingObserver{}

	// Every upgraded node reports an error rate that breaches budget, so
	// the very first step's observation window fails the stage.
	client.HealthFunc = func(nodeID string) nodeclient.Health {
		return nodeclient.Health{Status: domain.HealthHealthy, ErrorRatePct: 5.0}
	}
	c := Canary{Steps: []int{10, 30, 50, 100}, Clock: FakeClock{}, StepObservation: 1, SampleInterval: 1, ErrorRateBudgetPct: 1.0}

	outcome, err := c.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.NotEmpty(t, outcome.DeployedNodeIDs)
	assert.Equal(t, len(outcome.DeployedNodeIDs), obs.rolledBackCount())
}

func TestCanary_DeterministicSelection(t *testing.T) {
	nodes := makeNodes(10, domain.EnvProduction, "")
	client1 := nodeclient.NewFakeClient()
	client2 := nodeclient.NewFakeClient()
	obs1, obs2 := &recordingObserver{}, &recordingObserver{}
	c := Canary{Steps: []int{10, 100}, Clock: FakeClock{}, StepObservation: 1, SampleInterval: 1}

	o1, err := c.Execute(context.Background(), baseInput(nodes, client1), obs1, &fixedControl{})
	require.NoError(t, err)
	o2, err := c.Execute(context.Background(), baseInput(nodes, client2), obs2, &fixedControl{})
	require.NoError(t, err)

	assert.ElementsMatch(t, o1.DeployedNodeIDs, o2.DeployedNodeIDs)
}

func TestCanary_FirstStepRequiresApproval(t *testing.T) {
	nodes := makeNodes(10, domain.EnvProduction, "")
	client := nodeclient.NewFakeClient()
	obs := &recordingObserver{}
	c := Canary{Steps: []int{10, 100}, Clock: FakeClock{}, StepObservation: 1, SampleInterval: 1, RequireApprovalFirstStep: true}

	outcome, err := c.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{approved: false})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, 1, len(outcome.DeployedNodeIDs), "only the 10% step's single node was applied before rejection")
}

func TestCanary_PerNodeScopeCatchesSingleBadNode(t *testing.T) {
	nodes := makeNodes(10, domain.EnvProduction, "")
	client := nodeclient.NewFakeClient()

	// One node runs hot: a 6% error rate diluted across ten nodes keeps
	// the cluster average at 0.6%, under a 1% budget.
	hot := nodes[0].ID
	client.HealthFunc = func(nodeID string) nodeclient.Health {
		if nodeID == hot {
			return nodeclient.Health{Status: domain.HealthHealthy, ErrorRatePct: 6.0}
		}
		return nodeclient.Health{Status: domain.HealthHealthy}
	}

	c := Canary{Steps: []int{100}, Clock: FakeClock{}, StepObservation: 1, SampleInterval: 1, ErrorRateBudgetPct: 1.0}
	outcome, err := c.Execute(context.Background(), baseInput(nodes, client), &recordingObserver{}, &fixedControl{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome.Status)

	perNode := c
	perNode.SLIScope = "per-node"
	obs := &recordingObserver{}
	outcome, err = perNode.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, len(outcome.DeployedNodeIDs), obs.rolledBackCount())
}
