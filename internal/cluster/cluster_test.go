package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

func testSpecs() []NodeSpec {
	return []NodeSpec{
		{ID: "n1", Hostname: "n1.qa", Environment: "qa", Pool: "blue", Versions: map[string]string{"payments": "1.1.0"}},
		{ID: "n2", Hostname: "n2.qa", Environment: "qa", Pool: "green", Versions: map[string]string{"payments": "1.0.0"}},
		{ID: "n3", Hostname: "n3.staging", Environment: "staging"},
	}
}

func TestRegistry_ListNodes(t *testing.T) {
	r, err := NewFromSpecs(testSpecs())
	require.NoError(t, err)
	ctx := context.Background()

	qaNodes, err := r.ListNodes(ctx, domain.EnvQA, "")
	require.NoError(t, err)
	assert.Len(t, qaNodes, 2)

	blue, err := r.ListNodes(ctx, domain.EnvQA, "blue")
	require.NoError(t, err)
	require.Len(t, blue, 1)
	assert.Equal(t, "n1", blue[0].ID)
}

func TestRegistry_UpdateHealthAndCommitVersion(t *testing.T) {
	r, err := NewFromSpecs(testSpecs())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.UpdateHealth(ctx, "n1", domain.HealthHealthy, time.Now()))
	n, err := r.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, n.Health)

	v, _ := domain.ParseVersion("1.2.0")
	require.NoError(t, r.CommitVersion(ctx, "n1", "payments", v))
	n, err = r.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, n.CurrentVersions["payments"].Equal(v))
}

func TestRegistry_UnknownNode(t *testing.T) {
	r, err := NewFromSpecs(testSpecs())
	require.NoError(t, err)
	_, err = r.GetNode(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}

func TestRegistry_ActivePoolDefaultsAndSwitches(t *testing.T) {
	r, err := NewFromSpecs(testSpecs())
	require.NoError(t, err)
	ctx := context.Background()

	active, err := r.ActivePool(ctx, domain.EnvQA)
	require.NoError(t, err)
	assert.Equal(t, "blue", active)

	require.NoError(t, r.SwitchActivePool(ctx, domain.EnvQA, "green"))
	active, err = r.ActivePool(ctx, domain.EnvQA)
	require.NoError(t, err)
	assert.Equal(t, "green", active)
}
