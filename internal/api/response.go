package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"ai-lightning/internal/auth"
	"ai-lightning/internal/database"
	"ai-lightning/internal/ledger"
	"ai-lightning/internal/orchestrator"
	"ai-lightning/internal/registry"
	"ai-lightning/pkg/logger"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps domain errors onto HTTP statuses. Unknown errors are
// logged and reported as a bare 500: internals never leak to clients.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrNodeNotFound),
		errors.Is(err, database.ErrSessionNotFound),
		errors.Is(err, database.ErrInvoiceNotFound):
		writeError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, database.ErrUserExists),
		errors.Is(err, database.ErrNodeExists),
		errors.Is(err, database.ErrInvoiceExists):
		writeError(w, http.StatusConflict, err.Error())

	case errors.Is(err, database.ErrNodeBusy):
		writeError(w, http.StatusConflict, "node is busy")

	case errors.Is(err, orchestrator.ErrInvalidMinutes),
		errors.Is(err, orchestrator.ErrModelUnsupported),
		errors.Is(err, registry.ErrInvalidNode),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, orchestrator.ErrInsufficientBalance),
		errors.Is(err, registry.ErrRegistrationFee),
		errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, err.Error())

	case errors.Is(err, orchestrator.ErrWrongState):
		writeError(w, http.StatusConflict, err.Error())

	case errors.Is(err, orchestrator.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())

	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err.Error())

	default:
		logger.Error("Unhandled service error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
