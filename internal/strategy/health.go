package strategy

import (
	"context"
	"sort"

	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
)

// ClusterSLI is an aggregate health reading over a set of nodes, the
// input to the Rolling stabilization gate and the Canary SLI gate.
type ClusterSLI struct {
	HealthyRatio    float64
	ErrorRatePct    float64
	P95LatencyMs    float64
	MaxErrorRatePct float64
	MaxLatencyMs    float64
	UnhealthyIDs    []string
}

// HealthOracle samples node health for stabilization windows and canary
// SLI gates. The default implementation fans out to
// nodeclient.Client.HealthCheck. The canary gate reads the cluster-wide
// aggregate by default; its "per-node" scope reads the per-node maxima
// instead, so a single bad node cannot hide behind a healthy average.
type HealthOracle interface {
	Sample(ctx context.Context, nodes []*domain.Node) (ClusterSLI, error)
}

// ClientHealthOracle is the default HealthOracle, sampling every node
// concurrently through a nodeclient.Client.
type ClientHealthOracle struct {
	Client nodeclient.Client
}

func NewClientHealthOracle(client nodeclient.Client) *ClientHealthOracle {
	return &ClientHealthOracle{Client: client}
}

func (o *ClientHealthOracle) Sample(ctx context.Context, nodes []*domain.Node) (ClusterSLI, error) {
	if len(nodes) == 0 {
		return ClusterSLI{HealthyRatio: 1}, nil
	}

	type reading struct {
		nodeID string
		h      nodeclient.Health
		err    error
	}
	results := make([]reading, len(nodes))
	sem := make(chan struct{}, 16)
	done := make(chan int, len(nodes))
	for i, n := range nodes {
		i, n := i, n
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- i }()
			h, err := o.Client.HealthCheck(ctx, n)
			results[i] = reading{nodeID: n.ID, h: h, err: err}
		}()
	}
	for range nodes {
		<-done
	}

	var (
		healthy   int
		errSum    float64
		maxErr    float64
		maxLat    float64
		latencies []float64
		unhealthy []string
	)
	for _, r := range results {
		if r.err != nil || r.h.Status != domain.HealthHealthy {
			unhealthy = append(unhealthy, r.nodeID)
		} else {
			healthy++
		}
		errSum += r.h.ErrorRatePct
		if r.h.ErrorRatePct > maxErr {
			maxErr = r.h.ErrorRatePct
		}
		if r.h.LatencyMs > maxLat {
			maxLat = r.h.LatencyMs
		}
		latencies = append(latencies, r.h.LatencyMs)
	}

	sort.Float64s(latencies)
	p95 := percentile(latencies, 0.95)

	return ClusterSLI{
		HealthyRatio:    float64(healthy) / float64(len(nodes)),
		ErrorRatePct:    errSum / float64(len(nodes)),
		P95LatencyMs:    p95,
		MaxErrorRatePct: maxErr,
		MaxLatencyMs:    maxLat,
		UnhealthyIDs:    unhealthy,
	}, nil
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
