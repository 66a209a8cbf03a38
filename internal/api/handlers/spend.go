package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/budget"
)

// SpendHandler exposes the spend gate to the request pipeline.
type SpendHandler struct {
	logger  *zap.Logger
	service *budget.Service
}

func NewSpendHandler(logger *zap.Logger, service *budget.Service) *SpendHandler {
	return &SpendHandler{logger: logger, service: service}
}

type ReserveRequest struct {
	PrincipalID   string          `json:"principal_id"`
	Role          string          `json:"role,omitempty"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

type ReconcileRequest struct {
	ActualCost decimal.Decimal `json:"actual_cost"`
}

// Reserve holds the estimated cost. Unknown principals are opened first.
func (h *SpendHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.PrincipalID == "" {
		sendError(w, http.StatusBadRequest, "invalid_request", "principal_id is required")
		return
	}

	res, err := h.service.Reserve(r.Context(), req.PrincipalID, req.EstimatedCost)
	if errors.Is(err, models.ErrAccountNotFound) {
		if _, err = h.service.Ensure(r.Context(), budget.Identity{PrincipalID: req.PrincipalID, Role: req.Role}); err == nil {
			res, err = h.service.Reserve(r.Context(), req.PrincipalID, req.EstimatedCost)
		}
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sendJSON(w, http.StatusCreated, res)
}

func (h *SpendHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	res, err := h.service.Reconcile(r.Context(), chi.URLParam(r, "token"), req.ActualCost)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, res)
}

func (h *SpendHandler) Release(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Release(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, res)
}
