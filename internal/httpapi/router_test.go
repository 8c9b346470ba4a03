package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/approval"
	"github.com/kubedeploy/orchestrator/internal/audit"
	"github.com/kubedeploy/orchestrator/internal/cluster"
	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/idempotency"
	"github.com/kubedeploy/orchestrator/internal/lock"
	"github.com/kubedeploy/orchestrator/internal/nodeclient"
	"github.com/kubedeploy/orchestrator/internal/orchestrator"
	"github.com/kubedeploy/orchestrator/internal/pipeline"
	"github.com/kubedeploy/orchestrator/internal/queue"
	"github.com/kubedeploy/orchestrator/internal/strategy"
	"github.com/kubedeploy/orchestrator/internal/verify"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	specs := []cluster.NodeSpec{
		{ID: "node-1", Hostname: "node-1.internal", Environment: "staging", Versions: map[string]string{"payments-api": "1.0.0"}},
	}
	registry, err := cluster.NewFromSpecs(specs)
	require.NoError(t, err)

	client := nodeclient.NewFakeClient()
	store := pipeline.NewMemoryStore()
	approvals := approval.New(approval.NewMemoryStore(), nil)
	strategies := map[domain.Strategy]strategy.Strategy{
		domain.StrategyDirect: strategy.Direct{Concurrency: 4},
	}

	executor := pipeline.NewExecutor(store, registry, client, verify.DigestVerifier{}, approvals, strategies,
		strategy.NewClientHealthOracle(client), pipeline.DefaultSettings(), nil, pipeline.WithSink(&audit.MemorySink{}))

	orch := orchestrator.New(store, idempotency.NewMemoryStore(), lock.NewMemoryLocker(""), queue.NewMemoryQueue(), executor, nil)

	return NewRouter(orch, approvals, NewHub(nil), nil)
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateDeployment_ValidationError(t *testing.T) {
	router := newTestRouter(t)
	body := bytes.NewBufferString(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/deployments", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateDeployment_ThenGet(t *testing.T) {
	router := newTestRouter(t)

	cmd := map[string]any{
		"ModuleName":        "payments-api",
		"Version":           "2.0.0",
		"TargetEnvironment": "staging",
		"RequesterEmail":    "dev@example.com",
		"Strategy":          "direct",
		"ArtifactDigest":    "sha256:deadbeef",
		"ArtifactSignature": "sig",
	}
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/deployments", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var handle struct{ ExecutionID string }
	require.NoError(t, json.NewDecoder(w.Body).Decode(&handle))
	require.NotEmpty(t, handle.ExecutionID)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/deployments/"+handle.ExecutionID, nil)
	getW := httptest.NewRecorder()
	router.ServeHTTP(getW, getReq)
	assert.Equal(t, http.StatusOK, getW.Code)
}

func TestGetDeployment_NotFound(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/deployments/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDeployments_InvalidLimitIsIgnoredNotRejected(t *testing.T) {
	// An unparsable limit query param is silently dropped rather than
	// surfaced as a 400, since ListDeployments's own Filter.Validate is
	// the single source of truth for bounds-checking.
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/deployments?limit=not-a-number", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHub_EmitDropsWhenFull(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < 300; i++ {
		h.Emit(context.Background(), audit.Event{Type: audit.EventDeploymentStarted, Timestamp: time.Now()})
	}
}
