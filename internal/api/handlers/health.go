package handlers

import (
	"context"
	"net/http"
	"time"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status   string                   `json:"status"`
	Services map[string]ServiceHealth `json:"services"`
}

type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthHandler struct {
	checks map[string]Pinger
}

// NewHealthHandler reports on each named dependency. Nil checks are skipped.
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	h := &HealthHandler{checks: make(map[string]Pinger)}
	for name, c := range checks {
		if c != nil {
			h.checks[name] = c
		}
	}
	return h
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{Status: "ok", Services: make(map[string]ServiceHealth)}
	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			response.Services[name] = ServiceHealth{Status: "unhealthy", Message: err.Error()}
			response.Status = "degraded"
			continue
		}
		response.Services[name] = ServiceHealth{Status: "healthy"}
	}

	if response.Status != "ok" {
		sendJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	sendJSON(w, http.StatusOK, response)
}
