package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// HTTPClient is the production Client: it speaks the node agent wire
// protocol over HTTP, wraps every Deploy and Rollback call in a per-node
// circuit breaker (HealthCheck calls the node directly), and injects a
// W3C traceparent header so node-side spans link back to the pipeline's.
type HTTPClient struct {
	httpClient *http.Client
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHTTPClient(opts Options, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		httpClient: &http.Client{},
		opts:       opts,
		logger:     logger.With("component", "nodeclient"),
		tracer:     otel.Tracer("github.com/kubedeploy/orchestrator/internal/nodeclient"),
		propagator: otel.GetTextMapPropagator(),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *HTTPClient) breakerFor(nodeID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[nodeID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nodeclient:" + nodeID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[nodeID] = b
	return b
}

type deployRequest struct {
	ExecutionID     string `json:"executionId"`
	ModuleName      string `json:"moduleName"`
	Version         string `json:"version"`
	ArtifactDigest  string `json:"artifactDigest"`
	Signature       string `json:"signature"`
}

type deployResponse struct {
	Success        bool   `json:"success"`
	DurationMs     int64  `json:"durationMs"`
	AppliedVersion string `json:"appliedVersion"`
	Error          string `json:"error"`
}

type rollbackRequest struct {
	ExecutionID string `json:"executionId"`
	ModuleName  string `json:"moduleName"`
	ToVersion   string `json:"toVersion"`
}

type healthResponse struct {
	Status        string  `json:"status"`
	LatencyMs     float64 `json:"latencyMs"`
	ErrorRate     float64 `json:"errorRate"`
	CPU           float64 `json:"cpu"`
	Mem           float64 `json:"mem"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

func (c *HTTPClient) Deploy(ctx context.Context, executionID string, node *domain.Node, artifact domain.Artifact) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "nodeclient.Deploy", trace.WithAttributes(
		attribute.String("node.id", node.ID), attribute.String("execution.id", executionID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.applyTimeout())
	defer cancel()

	body := deployRequest{
		ExecutionID:    executionID,
		ModuleName:     string(artifact.Module),
		Version:        artifact.Version.String(),
		ArtifactDigest: artifact.Digest,
		Signature:      artifact.Signature,
	}
	start := time.Now()
	breaker := c.breakerFor(node.ID)
	raw, err := breaker.Execute(func() (any, error) {
		return c.post(ctx, node, "/deploy", body)
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Result{NodeID: node.ID, DurationMs: elapsed}, classifyTransportError(node.ID, err)
	}

	var resp deployResponse
	if jsonErr := json.Unmarshal(raw.([]byte), &resp); jsonErr != nil {
		return Result{NodeID: node.ID, DurationMs: elapsed}, fmt.Errorf("nodeclient: decode deploy response from %s: %w", node.ID, jsonErr)
	}
	if !resp.Success {
		return Result{NodeID: node.ID, DurationMs: elapsed}, classifyApplicationError(node.ID, resp.Error)
	}
	applied, verr := domain.ParseVersion(resp.AppliedVersion)
	if verr != nil {
		applied = artifact.Version
	}
	return Result{NodeID: node.ID, Success: true, DurationMs: resp.DurationMs, AppliedVersion: applied}, nil
}

func (c *HTTPClient) Rollback(ctx context.Context, executionID string, node *domain.Node, toVersion domain.Version) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "nodeclient.Rollback", trace.WithAttributes(
		attribute.String("node.id", node.ID), attribute.String("execution.id", executionID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.applyTimeout())
	defer cancel()

	body := rollbackRequest{ExecutionID: executionID, ModuleName: "", ToVersion: toVersion.String()}
	start := time.Now()
	breaker := c.breakerFor(node.ID)
	raw, err := breaker.Execute(func() (any, error) {
		return c.post(ctx, node, "/rollback", body)
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Result{NodeID: node.ID, DurationMs: elapsed}, classifyTransportError(node.ID, err)
	}

	var resp deployResponse
	if jsonErr := json.Unmarshal(raw.([]byte), &resp); jsonErr != nil {
		return Result{NodeID: node.ID, DurationMs: elapsed}, fmt.Errorf("nodeclient: decode rollback response from %s: %w", node.ID, jsonErr)
	}
	if !resp.Success {
		return Result{NodeID: node.ID, DurationMs: elapsed}, classifyApplicationError(node.ID, resp.Error)
	}
	return Result{NodeID: node.ID, Success: true, DurationMs: resp.DurationMs, AppliedVersion: toVersion}, nil
}

func (c *HTTPClient) HealthCheck(ctx context.Context, node *domain.Node) (Health, error) {
	timeout := c.opts.HealthTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+node.Hostname+"/health", nil)
	if err != nil {
		return Health{}, fmt.Errorf("nodeclient: build health request for %s: %w", node.ID, err)
	}
	c.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{Status: domain.HealthUnknown}, fmt.Errorf("%w: health check %s: %v", domain.ErrNodeTransient, node.ID, err)
	}
	defer resp.Body.Close()

	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return Health{Status: domain.HealthUnknown}, fmt.Errorf("nodeclient: decode health response from %s: %w", node.ID, err)
	}
	return Health{
		Status:        domain.NodeHealthStatus(hr.Status),
		LatencyMs:     hr.LatencyMs,
		ErrorRatePct:  hr.ErrorRate,
		CPUPct:        hr.CPU,
		MemPct:        hr.Mem,
		LastHeartbeat: hr.LastHeartbeat,
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, node *domain.Node, path string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+node.Hostname+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *HTTPClient) applyTimeout() time.Duration {
	if c.opts.ApplyTimeout <= 0 {
		return 60 * time.Second
	}
	return c.opts.ApplyTimeout
}

func classifyTransportError(nodeID string, err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &domain.NodeError{NodeID: nodeID, Transient: true, Cause: fmt.Errorf("circuit open: %w", err)}
	}
	return &domain.NodeError{NodeID: nodeID, Transient: true, Cause: err}
}

func classifyApplicationError(nodeID, reason string) error {
	// Node-reported application errors: verification and version
	// incompatibility are fatal, everything else (timeouts, resource
	// pressure surfaced as a 200 with success=false) is treated as
	// transient and left to the strategy's retry budget.
	switch {
	case reason == "verification_failed":
		return &domain.NodeError{NodeID: nodeID, Transient: false, Cause: fmt.Errorf("%w: %s", ErrVerification, reason)}
	case reason == "incompatible_version":
		return &domain.NodeError{NodeID: nodeID, Transient: false, Cause: fmt.Errorf("%w: %s", ErrIncompatibleVersion, reason)}
	default:
		return &domain.NodeError{NodeID: nodeID, Transient: true, Cause: fmt.Errorf("%w: %s", ErrResourceExhausted, reason)}
	}
}
