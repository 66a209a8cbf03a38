package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/api/middleware"
	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/audit"
	"github.com/amerfu/budgetd/internal/services/budget"
	"github.com/amerfu/budgetd/internal/services/policy"
	"github.com/amerfu/budgetd/internal/services/refill"
	"github.com/amerfu/budgetd/internal/services/scheduler"
)

type AdminHandler struct {
	logger    *zap.Logger
	service   *budget.Service
	trail     *audit.Trail
	resolver  *policy.Resolver
	scheduler *scheduler.Scheduler
}

type AdminHandlerConfig struct {
	Logger    *zap.Logger
	Service   *budget.Service
	Trail     *audit.Trail
	Resolver  *policy.Resolver
	Scheduler *scheduler.Scheduler
}

func NewAdminHandler(config *AdminHandlerConfig) *AdminHandler {
	return &AdminHandler{
		logger:    config.Logger,
		service:   config.Service,
		trail:     config.Trail,
		resolver:  config.Resolver,
		scheduler: config.Scheduler,
	}
}

// RefillRequest optionally replaces the resolved policy with a one-off amount.
type RefillRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Mode   string           `json:"mode,omitempty"`
}

type LifecycleRequest struct {
	Reason string `json:"reason"`
}

type PolicyResponse struct {
	policy.Explanation
	SlotState    scheduler.SlotState `json:"slot_state,omitempty"`
	ScheduledFor *time.Time         `json:"scheduled_for,omitempty"`
}

func (h *AdminHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, view)
}

func (h *AdminHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.service.Account(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	history(w, r, h.logger, h.trail, id)
}

// ExplainPolicy shows which policy applies, where it came from and when it
// next fires.
func (h *AdminHandler) ExplainPolicy(w http.ResponseWriter, r *http.Request) {
	acct, err := h.service.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := PolicyResponse{
		Explanation: h.resolver.Explain(policy.FromAccount(acct), refill.Anchor(acct), time.Now().UTC()),
	}
	if h.scheduler != nil {
		if next, state, ok := h.scheduler.NextFire(acct.PrincipalID); ok {
			resp.SlotState = state
			if !next.IsZero() {
				resp.ScheduledFor = &next
			}
		}
	}
	sendJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) Refill(w http.ResponseWriter, r *http.Request) {
	override, ok := h.override(w, r)
	if !ok {
		return
	}

	res, err := h.scheduler.RefillOne(r.Context(), chi.URLParam(r, "id"), actor(r), override)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoPolicy) {
			sendError(w, http.StatusUnprocessableEntity, "no_policy", err.Error())
			return
		}
		writeError(w, h.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) RefillAll(w http.ResponseWriter, r *http.Request) {
	override, ok := h.override(w, r)
	if !ok {
		return
	}

	res, err := h.scheduler.RefillAll(r.Context(), actor(r), override)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) override(w http.ResponseWriter, r *http.Request) (*policy.Policy, bool) {
	var req RefillRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return nil, false
	}
	if req.Amount == nil {
		return nil, true
	}

	var mode models.RefillMode
	switch models.RefillModeKind(strings.ToUpper(req.Mode)) {
	case models.RefillModeReset, "":
		mode = models.ResetMode()
	case models.RefillModeAdd:
		mode = models.AddMode(nil)
	default:
		sendError(w, http.StatusBadRequest, "invalid_request", "mode must be RESET or ADD")
		return nil, false
	}

	pol, err := policy.Manual(*req.Amount, mode)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return nil, false
	}
	return pol, true
}

func (h *AdminHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Suspend)
}

func (h *AdminHandler) Reinstate(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Reinstate)
}

func (h *AdminHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Archive)
}

type lifecycleFunc func(ctx context.Context, principalID, actor, reason string) (*models.Account, error)

func (h *AdminHandler) lifecycle(w http.ResponseWriter, r *http.Request, fn lifecycleFunc) {
	var req LifecycleRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	acct, err := fn(r.Context(), chi.URLParam(r, "id"), actor(r), req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, acct.View())
}

func (h *AdminHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req budget.Adjustment
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	acct, err := h.service.Adjust(r.Context(), chi.URLParam(r, "id"), actor(r), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, acct.View())
}

func (h *AdminHandler) SchedulerStats(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.scheduler.Stats())
}

func actor(r *http.Request) string {
	if p, ok := middleware.PrincipalFromContext(r.Context()); ok {
		return p.ID
	}
	return models.ActorSystem
}
