// Package audit implements the Audit/Event Sink: a single append-only
// Emit(event) interface the rest of the core depends on without knowing any
// concrete backend. The default Sink fans every event out to a durable
// store, Prometheus counters, and an OpenTelemetry span event.
package audit

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// EventType enumerates the emitted event variants.
type EventType string

const (
	EventDeploymentStarted  EventType = "deployment_started"
	EventStageStarted       EventType = "stage_started"
	EventStageEnded         EventType = "stage_ended"
	EventNodeResult         EventType = "node_result"
	EventApprovalRequested  EventType = "approval_requested"
	EventApprovalDecided    EventType = "approval_decided"
	EventApprovalExpired    EventType = "approval_expired"
	EventRollbackStarted    EventType = "rollback_started"
	EventDeploymentTerminal EventType = "deployment_terminal"
)

// Event is one append-only record. Payload is a typed variant matching
// Type, kept as `any` so the sink can remain backend-agnostic; concrete
// fan-out legs type-switch on it only where they need field-level detail
// (the durable store serializes it wholesale as JSON).
type Event struct {
	Type        EventType
	Timestamp   time.Time
	TraceID     string
	SpanID      string
	ExecutionID string
	ModuleName  domain.ModuleName
	Environment domain.Environment
	Payload     any
}

// StagePayload is the Payload for StageStarted/StageEnded.
type StagePayload struct {
	Stage   domain.StageName
	Status  domain.StageStatus
	Message string
}

// NodeResultPayload is the Payload for NodeResult.
type NodeResultPayload struct {
	NodeID     string
	Status     domain.NodeResultStatus
	RolledBack bool
	Error      string
}

// ApprovalPayload is the Payload for ApprovalRequested/Decided/Expired.
type ApprovalPayload struct {
	ApprovalID string
	Status     domain.ApprovalStatus
	Approver   string
	Reason     string
}

// TerminalPayload is the Payload for DeploymentTerminal.
type TerminalPayload struct {
	Status  domain.ExecutionStatus
	Message string
}

// Sink is the contract: append-only, never returns a fatal error to the
// caller: a sink failure must not abort a deployment.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// Store persists events durably, the first fan-out leg.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// FanoutSink is the default Sink: durable store + Prometheus metrics +
// an OpenTelemetry span event on the event's own trace, logging (not
// failing) any durable-store error so a storage hiccup never blocks a
// pipeline.
type FanoutSink struct {
	store   Store
	metrics *Metrics
	logger  *slog.Logger
}

func NewFanoutSink(store Store, metrics *Metrics, logger *slog.Logger) *FanoutSink {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &FanoutSink{store: store, metrics: metrics, logger: logger.With("component", "audit")}
}

func (s *FanoutSink) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if span := trace.SpanFromContext(ctx); span != nil && span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		event.SpanID = span.SpanContext().SpanID().String()
		span.AddEvent(string(event.Type))
	}

	if s.store != nil {
		if err := s.store.Append(ctx, event); err != nil {
			s.logger.Error("append audit event failed", "error", err, "execution_id", event.ExecutionID, "type", event.Type)
		}
	}

	s.metrics.Observe(event)
}

// NoopSink discards every event, used where no durable audit trail is
// configured (the Lite profile's quickstart path).
type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) {}

// MemorySink records events in-process, for tests that assert on the
// emitted sequence.
type MemorySink struct {
	Events []Event
}

func (s *MemorySink) Emit(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.Events = append(s.Events, event)
}
