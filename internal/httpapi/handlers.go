package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kubedeploy/orchestrator/internal/approval"
	"github.com/kubedeploy/orchestrator/internal/domain"
	"github.com/kubedeploy/orchestrator/internal/orchestrator"
	"github.com/kubedeploy/orchestrator/internal/pipeline"
)

type handler struct {
	orch      *orchestrator.Orchestrator
	approvals *approval.Workflow
	logger    *slog.Logger
}

// createDeployment handles POST /v1/deployments.
func (h *handler) createDeployment(w http.ResponseWriter, r *http.Request) {
	var cmd orchestrator.CreateDeploymentCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, domainBadRequest(err))
		return
	}

	handle, err := h.orch.CreateDeployment(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

// getDeployment handles GET /v1/deployments/{id}.
func (h *handler) getDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := h.orch.GetDeployment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// listDeployments handles GET /v1/deployments?module=&environment=&status=&limit=&offset=.
func (h *handler) listDeployments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pipeline.Filter{
		ModuleName:  domain.ModuleName(q.Get("module")),
		Environment: domain.Environment(q.Get("environment")),
		Status:      domain.ExecutionStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	execs, err := h.orch.ListDeployments(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

// cancelDeployment handles POST /v1/deployments/{id}/cancel.
func (h *handler) cancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actor := r.URL.Query().Get("actor")
	if err := h.orch.CancelDeployment(r.Context(), id, actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// rollbackDeployment handles POST /v1/deployments/{id}/rollback.
func (h *handler) rollbackDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actor := r.URL.Query().Get("actor")
	handle, err := h.orch.Rollback(r.Context(), id, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

// decideApproval returns a handler for POST /v1/deployments/{id}/approve
// or /reject.
func (h *handler) decideApproval(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var body struct {
			Approver string `json:"approver"`
			Reason   string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, domainBadRequest(err))
			return
		}

		var (
			req *domain.ApprovalRequest
			err error
		)
		if approve {
			req, err = h.approvals.Approve(r.Context(), id, body.Approver, body.Reason)
		} else {
			req, err = h.approvals.Reject(r.Context(), id, body.Approver, body.Reason)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func domainBadRequest(err error) error {
	return &badRequestError{err}
}

type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error  { return domain.ErrValidation }
