package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/shard-ledger/internal/coordinator"
	"github.com/example/shard-ledger/internal/ledger"
	"github.com/example/shard-ledger/internal/resilience"
	"github.com/example/shard-ledger/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorStatus maps a service error onto an HTTP status and error code.
func ErrorStatus(err error) (int, string) {
	var (
		verr    *coordinator.ValidationError
		inDoubt *coordinator.InDoubtError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, coordinator.ErrTransferIDReuse):
		return http.StatusConflict, "transfer_id_reuse"
	case errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, coordinator.ErrRecordNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &inDoubt):
		return http.StatusServiceUnavailable, "transfer_in_doubt"
	case errors.Is(err, coordinator.ErrTransferInProgress):
		return http.StatusServiceUnavailable, "transfer_in_progress"
	case errors.Is(err, resilience.ErrCircuitOpen), ledger.IsTransient(err):
		return http.StatusServiceUnavailable, "shard_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := ErrorStatus(err)
	msg := ""
	if status < http.StatusInternalServerError || code == "transfer_in_doubt" {
		msg = err.Error()
	}
	security.WriteJSONErrorMessage(w, r, status, code, msg)
}
