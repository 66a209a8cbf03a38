package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuth(requireAuth bool) *AuthMiddleware {
	return NewAuthMiddleware(&AuthConfig{
		Logger:       zap.NewNop(),
		JWTSecret:    "s3cret",
		Issuer:       "budgetd",
		AdminRoles:   []string{"admin"},
		ServiceRoles: []string{"gateway"},
		RequireAuth:  requireAuth,
	})
}

func sign(t *testing.T, claims Claims, method jwt.SigningMethod, key interface{}) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestParseToken(t *testing.T) {
	m := newAuth(true)
	valid := jwt.RegisteredClaims{Subject: "alice", Issuer: "budgetd", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}

	t.Run("roles map to privileges", func(t *testing.T) {
		p, err := m.ParseToken(sign(t, Claims{RegisteredClaims: valid, Role: "admin", Email: "a@example.com"}, jwt.SigningMethodHS256, []byte("s3cret")))
		require.NoError(t, err)
		assert.Equal(t, "alice", p.ID)
		assert.True(t, p.Admin)
		assert.False(t, p.Service)
		assert.Equal(t, "a@example.com", p.Email)

		p, err = m.ParseToken(sign(t, Claims{RegisteredClaims: valid, Role: "gateway"}, jwt.SigningMethodHS256, []byte("s3cret")))
		require.NoError(t, err)
		assert.True(t, p.Service)
		assert.False(t, p.Admin)
	})

	t.Run("expired", func(t *testing.T) {
		expired := valid
		expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := m.ParseToken(sign(t, Claims{RegisteredClaims: expired}, jwt.SigningMethodHS256, []byte("s3cret")))
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := valid
		other.Issuer = "someone-else"
		_, err := m.ParseToken(sign(t, Claims{RegisteredClaims: other}, jwt.SigningMethodHS256, []byte("s3cret")))
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		anon := valid
		anon.Subject = ""
		_, err := m.ParseToken(sign(t, Claims{RegisteredClaims: anon}, jwt.SigningMethodHS256, []byte("s3cret")))
		assert.Error(t, err)
	})

	t.Run("unsigned tokens are rejected", func(t *testing.T) {
		_, err := m.ParseToken(sign(t, Claims{RegisteredClaims: valid}, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType))
		assert.Error(t, err)
	})
}

func TestGuards(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name      string
		principal *Principal
		admin     int
		service   int
	}{
		{"none", nil, http.StatusForbidden, http.StatusForbidden},
		{"user", &Principal{ID: "u"}, http.StatusForbidden, http.StatusForbidden},
		{"service", &Principal{ID: "g", Service: true}, http.StatusForbidden, http.StatusNoContent},
		{"admin", &Principal{ID: "a", Admin: true}, http.StatusNoContent, http.StatusNoContent},
	}

	m := newAuth(true)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), tt.principal))
			}

			rec := httptest.NewRecorder()
			m.RequireAdmin(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.admin, rec.Code)

			rec = httptest.NewRecorder()
			m.RequireService(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.service, rec.Code)
		})
	}
}

func TestAuthDisabledRunsAsAnonymousAdmin(t *testing.T) {
	var seen *Principal
	h := newAuth(false).Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, seen)
	assert.Equal(t, "anonymous", seen.ID)
	assert.True(t, seen.Admin)
}
