package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
)

func baseInput(nodes []*domain.Node, client nodeclient.Client) Input {
	return Input{
		Execution: &domain.DeploymentExecution{ExecutionID: "exec-1", ModuleName: "payments", PreviousVersions: map[string]domain.Version{}},
		Nodes:     nodes,
		Artifact:  domain.Artifact{Module: "payments", Version: mustVersion("1.2.0"), Digest: "sha256:a", Signature: "sig"},
		Client:    client,
		Oracle:    NewClientHealthOracle(client),
	}
}

func TestDirect_AllHealthySucceeds(t *testing.T) {
	nodes := makeNodes(5, domain.EnvDevelopment, "")
	client := nodeclient.NewFakeClient()
	obs := &recordingObserver{}

	outcome, err := Direct{}.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome.Status)
	assert.Len(t, outcome.DeployedNodeIDs, 5)
	assert.Equal(t, 5, obs.successCount())
}

func TestDirect_OneNodeFailsRollsBackTheRest(t *testing.T) {
	nodes := makeNodes(3, domain.EnvDevelopment, "")
	client := nodeclient.NewFakeClient()
	client.PermanentFailures[nodes[2].ID] = true
	obs := &recordingObserver{}

	outcome, err := Direct{}.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, 2, obs.rolledBackCount(), "the two nodes that succeeded before the failure must be rolled back")
}
