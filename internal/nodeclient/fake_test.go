package nodeclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

func TestFakeClient_DeployIsIdempotent(t *testing.T) {
	f := NewFakeClient()
	node := &domain.Node{ID: "n1", Hostname: "n1"}
	artifact := domain.Artifact{Module: "payments", Version: mustVersion("1.2.0")}
	ctx := context.Background()

	r1, err := f.Deploy(ctx, "exec-1", node, artifact)
	require.NoError(t, err)
	assert.True(t, r1.Success)

	r2, err := f.Deploy(ctx, "exec-1", node, artifact)
	require.NoError(t, err)
	assert.True(t, r2.Success)
	assert.Equal(t, 1, f.AttemptsFor("exec-1", "n1"), "replaying the same (execution, node) must not re-apply")
}

func TestFakeClient_TransientThenSucceeds(t *testing.T) {
	f := NewFakeClient()
	f.DeployFailures["n1"] = 2
	node := &domain.Node{ID: "n1", Hostname: "n1"}
	artifact := domain.Artifact{Module: "payments", Version: mustVersion("1.2.0")}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.Deploy(ctx, "exec-1", node, artifact)
		require.Error(t, err)
		assert.True(t, Transient(err))
	}
	r, err := f.Deploy(ctx, "exec-1", node, artifact)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, 3, f.AttemptsFor("exec-1", "n1"))
}

func TestFakeClient_PermanentFailureIsNotTransient(t *testing.T) {
	f := NewFakeClient()
	f.PermanentFailures["n1"] = true
	node := &domain.Node{ID: "n1", Hostname: "n1"}
	artifact := domain.Artifact{Module: "payments", Version: mustVersion("1.2.0")}

	_, err := f.Deploy(context.Background(), "exec-1", node, artifact)
	require.Error(t, err)
	assert.False(t, Transient(err))
}

func mustVersion(s string) domain.Version {
	v, err := domain.ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}
