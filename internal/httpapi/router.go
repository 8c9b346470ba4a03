// Package httpapi is the thin admin/ops HTTP surface a complete
// operator-facing binary needs: a gorilla/mux command-intake + read API
// plus a live websocket event feed.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kubedeploy/orchestrator/internal/approval"
	"github.com/kubedeploy/orchestrator/internal/orchestrator"
)

// NewRouter builds the full admin HTTP surface: deployment commands,
// approval decisions, and the live event feed. hub may be nil, in which
// case /v1/events is not registered.
func NewRouter(orch *orchestrator.Orchestrator, approvals *approval.Workflow, hub *Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{orch: orch, approvals: approvals, logger: logger.With("component", "httpapi")}

	router := mux.NewRouter()
	router.Use(loggingMiddleware(h.logger))

	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/deployments", h.createDeployment).Methods(http.MethodPost)
	v1.HandleFunc("/deployments", h.listDeployments).Methods(http.MethodGet)
	v1.HandleFunc("/deployments/{id}", h.getDeployment).Methods(http.MethodGet)
	v1.HandleFunc("/deployments/{id}/cancel", h.cancelDeployment).Methods(http.MethodPost)
	v1.HandleFunc("/deployments/{id}/rollback", h.rollbackDeployment).Methods(http.MethodPost)
	v1.HandleFunc("/deployments/{id}/approve", h.decideApproval(true)).Methods(http.MethodPost)
	v1.HandleFunc("/deployments/{id}/reject", h.decideApproval(false)).Methods(http.MethodPost)

	if hub != nil {
		v1.HandleFunc("/events", hub.ServeWS).Methods(http.MethodGet)
	}

	return router
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request handled", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
