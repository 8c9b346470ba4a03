package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

type recordingStore struct {
	appended []Event
}

func (s *recordingStore) Append(_ context.Context, event Event) error {
	s.appended = append(s.appended, event)
	return nil
}

func TestFanoutSink_EmitAppendsAndCountsMetric(t *testing.T) {
	store := &recordingStore{}
	sink := NewFanoutSink(store, NewMetrics(), nil)

	sink.Emit(context.Background(), Event{
		Type:        EventStageStarted,
		ExecutionID: "exec-1",
		ModuleName:  "payments-api",
		Environment: domain.EnvStaging,
		Payload:     StagePayload{Stage: domain.StageDeploy, Status: domain.StageRunning},
	})

	require.Len(t, store.appended, 1)
	assert.Equal(t, "exec-1", store.appended[0].ExecutionID)
	assert.False(t, store.appended[0].Timestamp.IsZero())
}

func TestFanoutSink_StoreErrorDoesNotPanic(t *testing.T) {
	sink := NewFanoutSink(failingStore{}, NewMetrics(), nil)
	assert.NotPanics(t, func() {
		sink.Emit(context.Background(), Event{Type: EventDeploymentStarted, ExecutionID: "exec-2"})
	})
}

type failingStore struct{}

func (failingStore) Append(context.Context, Event) error { return assert.AnError }

func TestMemorySink_RecordsEvents(t *testing.T) {
	sink := &MemorySink{}
	sink.Emit(context.Background(), Event{Type: EventNodeResult, ExecutionID: "exec-3"})
	require.Len(t, sink.Events, 1)
	assert.Equal(t, EventNodeResult, sink.Events[0].Type)
}
