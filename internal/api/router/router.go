package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/api/handlers"
	"github.com/amerfu/budgetd/internal/api/middleware"
	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/services/audit"
	"github.com/amerfu/budgetd/internal/services/budget"
	"github.com/amerfu/budgetd/internal/services/policy"
	"github.com/amerfu/budgetd/internal/services/ratelimit"
	"github.com/amerfu/budgetd/internal/services/scheduler"
)

type RouterConfig struct {
	Config    *config.Config
	Logger    *zap.Logger
	Service   *budget.Service
	Trail     *audit.Trail
	Resolver  *policy.Resolver
	Scheduler *scheduler.Scheduler
	Checks    map[string]handlers.Pinger
	// Limiter, when set, caps requests per principal under /api/v1.
	Limiter   ratelimit.RateLimiter
}

func NewRouter(rc *RouterConfig) http.Handler {
	cfg, logger := rc.Config, rc.Logger
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(logger))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	health := handlers.NewHealthHandler(rc.Checks)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	auth := middleware.NewAuthMiddleware(&middleware.AuthConfig{
		Logger:       logger,
		JWTSecret:    cfg.Auth.JWTSecret,
		Issuer:       cfg.Auth.Issuer,
		AdminRoles:   cfg.Auth.AdminRoles,
		ServiceRoles: cfg.Auth.ServiceRoles,
		RequireAuth:  cfg.Auth.RequireAuth,
	})

	budgetHandler := handlers.NewBudgetHandler(logger, rc.Service, rc.Trail)
	spendHandler := handlers.NewSpendHandler(logger, rc.Service)
	adminHandler := handlers.NewAdminHandler(&handlers.AdminHandlerConfig{
		Logger:    logger,
		Service:   rc.Service,
		Trail:     rc.Trail,
		Resolver:  rc.Resolver,
		Scheduler: rc.Scheduler,
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Authenticate)
		if rc.Limiter != nil {
			r.Use(middleware.RateLimit(rc.Limiter, logger))
		}

		r.Get("/budget", budgetHandler.GetBudget)
		r.Get("/budget/audit", budgetHandler.GetAudit)

		r.Route("/spend", func(r chi.Router) {
			r.Use(auth.RequireService)
			r.Post("/reserve", spendHandler.Reserve)
			r.Post("/{token}/reconcile", spendHandler.Reconcile)
			r.Post("/{token}/release", spendHandler.Release)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)

			r.Route("/principals/{id}", func(r chi.Router) {
				r.Get("/budget", adminHandler.GetBudget)
				r.Get("/audit", adminHandler.GetAudit)
				r.Get("/policy", adminHandler.ExplainPolicy)
				r.Post("/refill", adminHandler.Refill)
				r.Post("/suspend", adminHandler.Suspend)
				r.Post("/reinstate", adminHandler.Reinstate)
				r.Post("/archive", adminHandler.Archive)
				r.Post("/adjust", adminHandler.Adjust)
			})
			r.Post("/refill", adminHandler.RefillAll)
			r.Get("/scheduler/stats", adminHandler.SchedulerStats)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		if _, err := w.Write([]byte(`{"error": {"message": "Not found", "code": "not_found"}}`)); err != nil {
			logger.Error("Failed to write 404 response", zap.Error(err))
		}
	})

	return r
}
