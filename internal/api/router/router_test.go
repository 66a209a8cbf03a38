package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/api/handlers"
	"github.com/amerfu/budgetd/internal/api/middleware"
	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/services/abuse"
	"github.com/amerfu/budgetd/internal/services/audit"
	"github.com/amerfu/budgetd/internal/services/budget"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
	"github.com/amerfu/budgetd/internal/services/lock"
	"github.com/amerfu/budgetd/internal/services/policy"
	"github.com/amerfu/budgetd/internal/services/ratelimit"
	"github.com/amerfu/budgetd/internal/services/refill"
	"github.com/amerfu/budgetd/internal/services/scheduler"
)

const secret = "test-secret"

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	return newLimitedServer(t, nil)
}

func newLimitedServer(t *testing.T, limiter ratelimit.RateLimiter) http.Handler {
	t.Helper()
	store := ledger.NewMemoryStore()
	locker := lock.NewKeyedMutex(time.Second)
	watcher := config.NewStaticWatcher(config.RefillSettings{
		RoleDefaults: map[string]config.PolicyConfig{
			"user": {
				Enabled:  true,
				Amount:   "100",
				Mode:     "RESET",
				Schedule: config.ScheduleConfig{Cron: "0 0 * * *"},
			},
		},
		Abuse: config.AbuseConfig{
			Enabled:                      true,
			Window:                       24 * time.Hour,
			MaxRefillsPerPrincipalPerDay: 10,
			MaxRefillsPerDay:             100,
			MaxSingleRefill:              "500",
		},
	})
	resolver := policy.NewResolver(watcher)
	trail := audit.NewTrail(store, zap.NewNop())

	svc := budget.NewService(&budget.ServiceConfig{
		Store:    store,
		Locker:   locker,
		Resolver: resolver,
		Logger:   zap.NewNop(),
	})
	exec := refill.NewExecutor(store, locker, abuse.NewGuard(trail), nil, nil, zap.NewNop(), refill.Options{})
	sched := scheduler.New(store, resolver, exec, scheduler.AlwaysLeader{}, svc, zap.NewNop(), scheduler.Options{})

	return NewRouter(&RouterConfig{
		Config: &config.Config{
			Auth: config.AuthConfig{
				RequireAuth:  true,
				JWTSecret:    secret,
				AdminRoles:   []string{"admin"},
				ServiceRoles: []string{"gateway"},
			},
		},
		Logger:    zap.NewNop(),
		Service:   svc,
		Trail:     trail,
		Resolver:  resolver,
		Scheduler: sched,
		Checks:    map[string]handlers.Pinger{"store": store},
		Limiter:   limiter,
	})
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func do(t *testing.T, h http.Handler, method, path, tok string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)

	rec, _ := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := do(t, h, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthentication(t *testing.T) {
	h := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodGet, "/api/v1/budget", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		claims := middleware.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other"))
		require.NoError(t, err)
		rec, _ := do(t, h, http.MethodGet, "/api/v1/budget", forged, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("users cannot reach the spend gate or admin routes", func(t *testing.T) {
		user := token(t, "alice", "user")
		rec, _ := do(t, h, http.MethodPost, "/api/v1/spend/reserve", user, map[string]interface{}{"principal_id": "alice", "estimated_cost": 1})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		rec, _ = do(t, h, http.MethodGet, "/api/v1/admin/scheduler/stats", user, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestOwnBudgetOpensAccount(t *testing.T) {
	h := newTestServer(t)
	user := token(t, "alice", "user")

	rec, body := do(t, h, http.MethodGet, "/api/v1/budget", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", body["principal_id"])
	assert.Equal(t, "100", body["budget_limit"])
	assert.Equal(t, "0", body["current_usage"])
	assert.Equal(t, "ACTIVE", body["status"])

	rec, body = do(t, h, http.MethodGet, "/api/v1/budget/audit?limit=10", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])

	rec, _ = do(t, h, http.MethodGet, "/api/v1/budget/audit?limit=abc", user, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpendGate(t *testing.T) {
	h := newTestServer(t)
	gw := token(t, "gateway-1", "gateway")
	admin := token(t, "root", "admin")

	rec, body := do(t, h, http.MethodPost, "/api/v1/spend/reserve", gw, map[string]interface{}{"principal_id": "alice", "role": "user", "estimated_cost": 60})
	require.Equal(t, http.StatusCreated, rec.Code)
	first, _ := body["token"].(string)
	require.NotEmpty(t, first)

	rec, body = do(t, h, http.MethodPost, "/api/v1/spend/reserve", gw, map[string]interface{}{"principal_id": "alice", "estimated_cost": 50})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "budget_exhausted", errorCode(body))

	rec, body = do(t, h, http.MethodPost, "/api/v1/spend/"+first+"/reconcile", gw, map[string]interface{}{"actual_cost": 55})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RECONCILED", body["state"])

	rec, body = do(t, h, http.MethodPost, "/api/v1/spend/"+first+"/release", gw, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "reservation_settled", errorCode(body))

	rec, _ = do(t, h, http.MethodPost, "/api/v1/spend/no-such-token/release", gw, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/api/v1/admin/principals/alice/budget", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "55", body["current_usage"])
}

func TestSuspendedIsNotExhausted(t *testing.T) {
	h := newTestServer(t)
	gw := token(t, "gateway-1", "gateway")
	admin := token(t, "root", "admin")

	rec, _ := do(t, h, http.MethodGet, "/api/v1/budget", token(t, "bob", "user"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/admin/principals/bob/suspend", admin, map[string]string{"reason": "chargeback"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := do(t, h, http.MethodPost, "/api/v1/spend/reserve", gw, map[string]interface{}{"principal_id": "bob", "estimated_cost": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "account_suspended", errorCode(body))

	rec, _ = do(t, h, http.MethodPost, "/api/v1/admin/principals/bob/reinstate", admin, map[string]string{"reason": "resolved"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/api/v1/spend/reserve", gw, map[string]interface{}{"principal_id": "bob", "estimated_cost": 1})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/admin/principals/bob/archive", admin, map[string]string{"reason": "left"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/api/v1/spend/reserve", gw, map[string]interface{}{"principal_id": "bob", "estimated_cost": 1})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestAdminRefill(t *testing.T) {
	h := newTestServer(t)
	admin := token(t, "root", "admin")
	gw := token(t, "gateway-1", "gateway")

	rec, _ := do(t, h, http.MethodPost, "/api/v1/spend/reserve", gw, map[string]interface{}{"principal_id": "carol", "role": "user", "estimated_cost": 90})
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("resolved policy", func(t *testing.T) {
		rec, body := do(t, h, http.MethodPost, "/api/v1/admin/principals/carol/refill", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "COMPLETED", body["outcome"])
		entry, _ := body["entry"].(map[string]interface{})
		assert.Equal(t, "root", entry["actor"])
	})

	t.Run("oversized override is blocked", func(t *testing.T) {
		rec, body := do(t, h, http.MethodPost, "/api/v1/admin/principals/carol/refill", admin, map[string]interface{}{"amount": 1000, "mode": "ADD"})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "refill_blocked", errorCode(body))
	})

	t.Run("unknown principal", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodPost, "/api/v1/admin/principals/nobody/refill", admin, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("all principals", func(t *testing.T) {
		rec, body := do(t, h, http.MethodPost, "/api/v1/admin/refill", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 1, body["succeeded"])
	})

	t.Run("policy explain", func(t *testing.T) {
		rec, body := do(t, h, http.MethodGet, "/api/v1/admin/principals/carol/policy", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ROLE_DEFAULT", body["source"])
		assert.NotEmpty(t, body["next_fire"])
	})

	t.Run("history", func(t *testing.T) {
		rec, body := do(t, h, http.MethodGet, "/api/v1/admin/principals/carol/audit?event_type=REFILL", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 2, body["total"], "blocks are recorded as ABUSE_BLOCK, not REFILL")
	})

	t.Run("stats", func(t *testing.T) {
		rec, body := do(t, h, http.MethodGet, "/api/v1/admin/scheduler/stats", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 2, body["manual_refills"])
	})
}

func TestAdjustValidation(t *testing.T) {
	h := newTestServer(t)
	admin := token(t, "root", "admin")
	_, _ = do(t, h, http.MethodGet, "/api/v1/budget", token(t, "dave", "user"), nil)

	rec, _ := do(t, h, http.MethodPost, "/api/v1/admin/principals/dave/adjust", admin, map[string]interface{}{"reason": "nothing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := do(t, h, http.MethodPost, "/api/v1/admin/principals/dave/adjust", admin, map[string]interface{}{"budget_limit": "250", "reason": "promo"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "250", body["budget_limit"])
}

func TestRateLimitPerPrincipal(t *testing.T) {
	limiter := ratelimit.NewInMemoryLimiter(zap.NewNop(), 2, time.Minute)
	t.Cleanup(limiter.Stop)
	h := newLimitedServer(t, limiter)
	alice := token(t, "alice", "user")

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodGet, "/api/v1/budget", alice, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := do(t, h, http.MethodGet, "/api/v1/budget", alice, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorCode(body))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec, _ = do(t, h, http.MethodGet, "/api/v1/budget", token(t, "bob", "user"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
