package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Claims are the token claims budgetd reads. The subject is the principal id.
type Claims struct {
	jwt.RegisteredClaims
	Role       string `json:"role,omitempty"`
	Email      string `json:"email,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// Principal is the authenticated caller.
type Principal struct {
	ID         string
	Role       string
	Email      string
	ExternalID string
	Admin      bool
	Service    bool
}

type AuthMiddleware struct {
	logger       *zap.Logger
	secret       []byte
	issuer       string
	adminRoles   map[string]bool
	serviceRoles map[string]bool
	requireAuth  bool
}

type AuthConfig struct {
	Logger       *zap.Logger
	JWTSecret    string
	Issuer       string
	AdminRoles   []string
	ServiceRoles []string
	RequireAuth  bool
}

func NewAuthMiddleware(config *AuthConfig) *AuthMiddleware {
	m := &AuthMiddleware{
		logger:       config.Logger,
		secret:       []byte(config.JWTSecret),
		issuer:       config.Issuer,
		adminRoles:   make(map[string]bool),
		serviceRoles: make(map[string]bool),
		requireAuth:  config.RequireAuth,
	}
	for _, r := range config.AdminRoles {
		m.adminRoles[r] = true
	}
	for _, r := range config.ServiceRoles {
		m.serviceRoles[r] = true
	}
	return m
}

// Authenticate validates the bearer token and stores the principal in the
// request context. With auth disabled, requests without a token run as an
// anonymous admin.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			if m.requireAuth {
				sendError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}
			anon := &Principal{ID: "anonymous", Role: "admin", Admin: true, Service: true}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), anon)))
			return
		}

		p, err := m.ParseToken(token)
		if err != nil {
			m.logger.Debug("Rejected token", zap.Error(err))
			sendError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// ParseToken validates an HMAC-signed token and maps its role to privileges.
func (m *AuthMiddleware) ParseToken(tokenString string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return &Principal{
		ID:         claims.Subject,
		Role:       claims.Role,
		Email:      claims.Email,
		ExternalID: claims.ExternalID,
		Admin:      m.adminRoles[claims.Role],
		Service:    m.serviceRoles[claims.Role],
	}, nil
}

// RequireAdmin ensures the request has admin privileges
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || !p.Admin {
			sendError(w, http.StatusForbidden, "forbidden", "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireService admits trusted callers of the spend gate. Admins pass too.
func (m *AuthMiddleware) RequireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || !(p.Service || p.Admin) {
			sendError(w, http.StatusForbidden, "forbidden", "Service access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok && p != nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"code":    code,
		},
	})
}
