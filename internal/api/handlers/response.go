package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/models"
)

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	sendJSON(w, status, ErrorResponse{Error: ErrorBody{Message: message, Code: code}})
}

// writeError maps the service error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		insufficient *models.InsufficientBudgetError
		blocked      *models.AbuseBlockedError
		misconfig    *models.ConfigurationError
		timeout      *models.LockTimeoutError
		persistence  *models.PersistenceError
	)

	switch {
	case errors.As(err, &insufficient):
		sendJSON(w, http.StatusPaymentRequired, ErrorResponse{Error: ErrorBody{
			Message: err.Error(),
			Code:    "budget_exhausted",
			Details: map[string]interface{}{
				"requested": insufficient.Requested,
				"remaining": insufficient.Remaining,
				"status":    insufficient.Status,
			},
		}})
	case errors.Is(err, models.ErrAccountSuspended):
		sendError(w, http.StatusForbidden, "account_suspended", err.Error())
	case errors.Is(err, models.ErrAccountArchived):
		sendError(w, http.StatusGone, "account_archived", err.Error())
	case errors.As(err, &blocked):
		sendJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: ErrorBody{
			Message: err.Error(),
			Code:    "refill_blocked",
			Details: map[string]string{"rule": blocked.Rule, "detail": blocked.Detail},
		}})
	case errors.As(err, &misconfig):
		sendError(w, http.StatusUnprocessableEntity, "policy_misconfigured", err.Error())
	case errors.Is(err, models.ErrAccountNotFound), errors.Is(err, models.ErrReservationNotFound):
		sendError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrReservationSettled):
		sendError(w, http.StatusConflict, "reservation_settled", err.Error())
	case errors.Is(err, models.ErrInvalidAmount):
		sendError(w, http.StatusBadRequest, "invalid_amount", err.Error())
	case errors.As(err, &timeout):
		w.Header().Set("Retry-After", "1")
		sendError(w, http.StatusServiceUnavailable, "lock_timeout", err.Error())
	case errors.As(err, &persistence):
		logger.Error("Persistence failure", zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "persistence_error", "Storage temporarily unavailable")
	default:
		logger.Error("Unhandled error", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
