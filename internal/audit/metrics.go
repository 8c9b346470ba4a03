package audit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus fan-out leg of the sink: promauto-constructed,
// namespace-scoped vectors keyed by event type and terminal status.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	StagesTotal       *prometheus.CounterVec
	NodeResultsTotal  *prometheus.CounterVec
	DeploymentsTotal  *prometheus.CounterVec
	RollbacksTotal    *prometheus.CounterVec
	ApprovalsTotal    *prometheus.CounterVec
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// NewMetrics returns the process-wide singleton audit Metrics, registered
// against the default Prometheus registry exactly once (promauto panics on
// double-registration, and tests construct FanoutSink repeatedly).
func NewMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = newMetricsWithNamespace("orchestrator")
	})
	return defaultMetrics
}

func newMetricsWithNamespace(namespace string) *Metrics {
	return &Metrics{
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Total number of audit events emitted, by type",
		}, []string{"type"}),

		StagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "stages_total",
			Help:      "Total number of pipeline stage transitions, by stage and status",
		}, []string{"stage", "status"}),

		NodeResultsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "node_results_total",
			Help:      "Total number of node operation results, by status",
		}, []string{"status"}),

		DeploymentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "deployments_total",
			Help:      "Total number of deployments reaching a terminal status, by status",
		}, []string{"status"}),

		RollbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "rollbacks_total",
			Help:      "Total number of rollback stages started",
		}, []string{"environment"}),

		ApprovalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "approvals_total",
			Help:      "Total number of approval decisions, by status",
		}, []string{"status"}),
	}
}

// Observe records event on the relevant counters, type-switching on
// Payload only where a label needs a field the envelope doesn't carry.
func (m *Metrics) Observe(event Event) {
	m.EventsTotal.WithLabelValues(string(event.Type)).Inc()

	switch p := event.Payload.(type) {
	case StagePayload:
		m.StagesTotal.WithLabelValues(string(p.Stage), string(p.Status)).Inc()
	case NodeResultPayload:
		m.NodeResultsTotal.WithLabelValues(string(p.Status)).Inc()
	case TerminalPayload:
		m.DeploymentsTotal.WithLabelValues(string(p.Status)).Inc()
	case ApprovalPayload:
		m.ApprovalsTotal.WithLabelValues(string(p.Status)).Inc()
	}

	if event.Type == EventRollbackStarted {
		m.RollbacksTotal.WithLabelValues(string(event.Environment)).Inc()
	}
}
