package logging

import (
	"context"
	"testing"

	"github.com/kubedeploy/orchestrator/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestWithExecutionAndTraceID(t *testing.T) {
	ctx := context.Background()
	ctx = WithExecutionID(ctx, "exec-1")
	ctx = WithTraceID(ctx, "trace-1")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "trace-1", TraceID(ctx))
}

func TestExecutionID_Absent(t *testing.T) {
	assert.Equal(t, "", ExecutionID(context.Background()))
	assert.Equal(t, "", TraceID(context.Background()))
}

func TestNew_BuildsLogger(t *testing.T) {
	l := New(config.LogConfig{Level: "info", Format: "json", Output: "stdout"})
	assert.NotNil(t, l)
}

func TestComponent_ScopesLogger(t *testing.T) {
	base := New(config.LogConfig{Level: "info", Format: "json", Output: "stdout"})
	scoped := Component(base, "lock")
	assert.NotNil(t, scoped)
}
