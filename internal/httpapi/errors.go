package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// writeError maps the sealed domain error taxonomy onto HTTP status
// codes, the same categories the orchestrator facade already classifies
// errors into.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrExecutionNotFound),
		errors.Is(err, domain.ErrApprovalNotFound), errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrMessageNotFound), errors.Is(err, domain.ErrNodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrPolicy):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrVerification):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInfrastructure):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
