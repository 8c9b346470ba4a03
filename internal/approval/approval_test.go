package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

func newTestExecution() *domain.DeploymentExecution {
	return &domain.DeploymentExecution{
		ExecutionID:    domain.NewExecutionID(),
		ModuleName:     "payments",
		TargetVersion:  mustVersion("1.2.0"),
		Environment:    domain.EnvStaging,
		RequesterEmail: "requester@example.com",
	}
}

func mustVersion(s string) domain.Version {
	v, err := domain.ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestWorkflow_RequestAndApprove(t *testing.T) {
	w := New(NewMemoryStore(), nil)
	ctx := context.Background()
	exec := newTestExecution()

	req, err := w.Request(ctx, exec, nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, req.Status)

	decided, err := w.Approve(ctx, exec.ExecutionID, "approver@example.com", "looks good")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, decided.Status)
	assert.Equal(t, "approver@example.com", decided.RespondedByEmail)
}

func TestWorkflow_DecisionIsIdempotentOnTerminal(t *testing.T) {
	w := New(NewMemoryStore(), nil)
	ctx := context.Background()
	exec := newTestExecution()

	_, err := w.Request(ctx, exec, nil, time.Hour)
	require.NoError(t, err)

	first, err := w.Reject(ctx, exec.ExecutionID, "a@example.com", "no")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, first.Status)

	// Approving after a terminal Reject is a no-op returning current state.
	second, err := w.Approve(ctx, exec.ExecutionID, "a@example.com", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, second.Status)
}

func TestWorkflow_UnauthorizedApprover(t *testing.T) {
	w := New(NewMemoryStore(), nil)
	ctx := context.Background()
	exec := newTestExecution()

	_, err := w.Request(ctx, exec, []string{"owner@example.com"}, time.Hour)
	require.NoError(t, err)

	_, err = w.Approve(ctx, exec.ExecutionID, "intruder@example.com", "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestWorkflow_SweepExpired(t *testing.T) {
	w := New(NewMemoryStore(), nil)
	ctx := context.Background()
	exec := newTestExecution()

	_, err := w.Request(ctx, exec, nil, -time.Minute) // already timed out
	require.NoError(t, err)

	expired, err := w.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.ApprovalExpired, expired[0].Status)

	// No invariant: no Pending row remains with timeoutAt in the past.
	again, err := w.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}
