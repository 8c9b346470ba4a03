package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
)

type fakeSwitcher struct {
	active string
}

func (s *fakeSwitcher) ActivePool(context.Context, domain.Environment) (string, error) {
	if s.active == "" {
		return "blue", nil
	}
	return s.active, nil
}

func (s *fakeSwitcher) SwitchActivePool(_ context.Context, _ domain.Environment, newActive string) error {
	s.active = newActive
	return nil
}

func bgNodes() []*domain.Node {
	blue := makeNodes(2, domain.EnvStaging, "blue")
	green := makeNodes(2, domain.EnvStaging, "green")
	return append(blue, green...)
}

func TestBlueGreen_SwitchesAfterSmoke(t *testing.T) {
	nodes := bgNodes()
	client := nodeclient.NewFakeClient()
	obs := &recordingObserver{}
	switcher := &fakeSwitcher{active: "blue"}
	bg := BlueGreen{Switcher: switcher, Clock: FakeClock{}}

	outcome, err := bg.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome.Status)
	assert.Equal(t, "green", switcher.active)
	assert.Len(t, outcome.DeployedNodeIDs, 2, "only the inactive (green) pool is deployed")
}

func TestBlueGreen_RequiresApprovalBeforeSwitch(t *testing.T) {
	nodes := bgNodes()
	client := nodeclient.NewFakeClient()
	obs := &recordingObserver{}
	switcher := &fakeSwitcher{active: "blue"}
	bg := BlueGreen{Switcher: switcher, RequireApproval: true, Clock: FakeClock{}}

	outcome, err := bg.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{approved: false})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, "blue", switcher.active, "rejected approval must not switch the pool")

	outcome, err = bg.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{approved: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome.Status)
	assert.Equal(t, "green", switcher.active)
}

func TestBlueGreen_SmokeFailureDoesNotSwitch(t *testing.T) {
	nodes := bgNodes()
	client := nodeclient.NewFakeClient()
	for _, n := range nodes {
		if n.Pool == "green" {
			client.Health[n.ID] = nodeclient.Health{Status: domain.HealthDegraded}
		}
	}
	obs := &recordingObserver{}
	switcher := &fakeSwitcher{active: "blue"}
	bg := BlueGreen{Switcher: switcher, Clock: FakeClock{}}

	outcome, err := bg.Execute(context.Background(), baseInput(nodes, client), obs, &fixedControl{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, "blue", switcher.active)
}
