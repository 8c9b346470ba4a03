// Package nodeclient implements the Node Client abstraction: applying
// and rolling back a module version on a single node, and sampling its
// health, over the node agent wire protocol (POST /deploy, POST
// /rollback, GET /health). Every call is idempotent keyed by
// (executionID, nodeID): re-issuing the same call must not double-apply.
package nodeclient

import (
	"context"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// Result is the outcome of one Deploy or Rollback call against a node.
type Result struct {
	NodeID         string
	Success        bool
	DurationMs     int64
	AppliedVersion domain.Version
	Error          error
}

// Health is one point-in-time health reading.
type Health struct {
	Status       domain.NodeHealthStatus
	LatencyMs    float64
	ErrorRatePct float64
	CPUPct       float64
	MemPct       float64
	LastHeartbeat time.Time
}

// Client is the contract every rollout strategy drives nodes through.
// Implementations must make Deploy/Rollback idempotent on
// (executionID, nodeID): a retried call after a successful prior apply
// must report success without re-applying.
type Client interface {
	Deploy(ctx context.Context, executionID string, node *domain.Node, artifact domain.Artifact) (Result, error)
	Rollback(ctx context.Context, executionID string, node *domain.Node, toVersion domain.Version) (Result, error)
	HealthCheck(ctx context.Context, node *domain.Node) (Health, error)
}

// Options configures timeouts applied uniformly across Client
// implementations.
type Options struct {
	ApplyTimeout  time.Duration // default 60s
	HealthTimeout time.Duration // default 5s
}

// DefaultOptions returns the stock call timeouts.
func DefaultOptions() Options {
	return Options{ApplyTimeout: 60 * time.Second, HealthTimeout: 5 * time.Second}
}
