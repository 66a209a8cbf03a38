package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/api/middleware"
	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/audit"
	"github.com/amerfu/budgetd/internal/services/budget"
)

// BudgetHandler serves a principal's view of their own budget.
type BudgetHandler struct {
	logger  *zap.Logger
	service *budget.Service
	trail   *audit.Trail
}

func NewBudgetHandler(logger *zap.Logger, service *budget.Service, trail *audit.Trail) *BudgetHandler {
	return &BudgetHandler{logger: logger, service: service, trail: trail}
}

// GetBudget returns the caller's status, opening the account on first use.
func (h *BudgetHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		sendError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	if _, err := h.service.Ensure(r.Context(), identity(p)); err != nil {
		writeError(w, h.logger, err)
		return
	}
	view, err := h.service.Status(r.Context(), p.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, view)
}

func (h *BudgetHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		sendError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}
	history(w, r, h.logger, h.trail, p.ID)
}

func history(w http.ResponseWriter, r *http.Request, logger *zap.Logger, trail *audit.Trail, principalID string) {
	limit, err := queryInt(r, "limit", audit.DefaultPageSize)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "offset must be an integer")
		return
	}

	filter := models.AuditFilter{PrincipalID: principalID, Limit: limit, Offset: offset}
	if et := r.URL.Query().Get("event_type"); et != "" {
		filter.EventTypes = []models.AuditEventType{models.AuditEventType(et)}
	}

	page, err := trail.History(r.Context(), filter)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	sendJSON(w, http.StatusOK, page)
}

func identity(p *middleware.Principal) budget.Identity {
	return budget.Identity{PrincipalID: p.ID, Role: p.Role, Email: p.Email, ExternalID: p.ExternalID}
}
