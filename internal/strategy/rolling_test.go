package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
)

func TestRolling_BatchesAllHealthySucceeds(t *testing.T) {
	nodes := makeNodes(6, domain.EnvQA, "")
	client := nodeclient.NewFakeClient()
	obs := &recordingObserver{}
	r := Rolling{BatchSize: 2, Clock: FakeClock{}}

	outcome, err := r.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome.Status)
	assert.Len(t, outcome.DeployedNodeIDs, 6)
}

func TestRolling_FlakyNodeRetriedWithinBatch(t *testing.T) {
	// A node that times out twice then succeeds
	// must still land the batch as Succeeded, with its node result
	// carrying a retry count (NodeTransient is retried by the strategy
	// within its own budget).
	nodes := makeNodes(2, domain.EnvQA, "")
	client := nodeclient.NewFakeClient()
	client.DeployFailures[nodes[1].ID] = 2
	obs := &recordingObserver{}
	r := Rolling{BatchSize: 2, Clock: FakeClock{}}

	outcome, err := r.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome.Status)
	assert.Len(t, outcome.DeployedNodeIDs, 2)

	var flakyResult *domain.NodeResult
	for i, r := range obs.results {
		if r.NodeID == nodes[1].ID && r.Status == domain.NodeResultSuccess {
			flakyResult = &obs.results[i]
		}
	}
	require.NotNil(t, flakyResult, "the flaky node must eventually record a Success result")
	assert.GreaterOrEqual(t, flakyResult.RetryCount, 2)
}

func TestRolling_UnstableBatchRollsBackAndFails(t *testing.T) {
	nodes := makeNodes(4, domain.EnvQA, "")
	client := nodeclient.NewFakeClient()
	client.Health[nodes[1].ID] = nodeclient.Health{Status: domain.HealthUnhealthy}
	obs := &recordingObserver{}
	r := Rolling{BatchSize: 2, HealthyThreshold: 1.0, Clock: FakeClock{}}

	outcome, err := r.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, 2, obs.rolledBackCount(), "the unhealthy batch's two nodes must be rolled back")
}
