// Package auth validates HS256 Bearer tokens on routes that require them and
// binds each token to the routing context the request resolved to: a tenant
// host only accepts tokens issued for that tenant, and the owner console only
// accepts tokens carrying the owner scope.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/tenant-edge/internal/apierror"
	"github.com/dskow/tenant-edge/internal/config"
	"github.com/dskow/tenant-edge/internal/hostroute"
	"github.com/dskow/tenant-edge/internal/metrics"
)

type contextKey string

// ClaimsKey is the context key used to store validated JWT claims.
const ClaimsKey contextKey = "jwt_claims"

// HeaderSubject forwards the validated token subject to the upstream.
const HeaderSubject = "X-Edge-Subject"

// Claims represents the validated JWT claims injected into the request context.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience string   `json:"aud"`
	Scopes   []string `json:"scopes"`
	Tenant   string   `json:"tenant,omitempty"`
}

// HasScope reports whether the token was granted scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// FromContext returns the claims stored by Middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ClaimsKey).(*Claims)
	return c, ok
}

// ScopeError indicates the token is valid but lacks a required scope.
type ScopeError struct {
	MissingScope string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing required scope: %s", e.MissingScope)
}

// TenantError indicates a valid token presented on another tenant's host.
type TenantError struct {
	Host  string // tenant label the request routed to
	Token string // tenant named in the token, empty when absent
}

func (e *TenantError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("token is not bound to a tenant; %s requires one", e.Host)
	}
	return fmt.Sprintf("token for tenant %q is not valid for tenant %q", e.Token, e.Host)
}

// Middleware returns an HTTP middleware that validates JWT Bearer tokens on
// requests for which requiresAuth returns true. It must run inside
// hostroute.Middleware so the routing context is available.
func Middleware(cfg config.AuthConfig, requiresAuth func(*http.Request) bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiresAuth != nil && !requiresAuth(r) {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := extractBearerToken(r)
			if !ok {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				w.Header().Set("WWW-Authenticate", `Bearer realm="edge"`)
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingToken,
					"missing or malformed Authorization header")
				return
			}

			claims, err := validateToken(tokenStr, cfg)
			if err == nil {
				rd, _ := hostroute.FromContext(r.Context())
				err = authorize(claims, rd.Decision, cfg)
			}
			if err != nil {
				reject(w, r, err, logger)
				return
			}

			r.Header.Set(HeaderSubject, claims.Subject)
			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	logger.Warn("auth failure", "error", err, "host", r.Host, "path", r.URL.Path)

	var se *ScopeError
	var te *TenantError
	switch {
	case errors.As(err, &te):
		metrics.AuthFailures.WithLabelValues("tenant_mismatch").Inc()
		apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AuthTenantMismatch, err.Error())
	case errors.As(err, &se):
		metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
		apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AuthInsufficientScope, err.Error())
	default:
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		w.Header().Set("WWW-Authenticate", `Bearer realm="edge", error="invalid_token"`)
		apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, err.Error())
	}
}

// authorize checks the token against the routing decision. Holders of the
// owner scope may act on any tenant.
func authorize(c *Claims, d hostroute.Decision, cfg config.AuthConfig) error {
	switch d.Context {
	case hostroute.Owner:
		if !c.HasScope(cfg.OwnerScope) {
			return &ScopeError{MissingScope: cfg.OwnerScope}
		}
	case hostroute.Tenant:
		if c.HasScope(cfg.OwnerScope) {
			return nil
		}
		if c.Tenant != d.Tenant {
			return &TenantError{Host: d.Tenant, Token: c.Tenant}
		}
	}
	return nil
}

func extractBearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func validateToken(tokenStr string, cfg config.AuthConfig) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{}
	claims.Subject, _ = mapClaims["sub"].(string)
	claims.Issuer, _ = mapClaims["iss"].(string)

	switch aud := mapClaims["aud"].(type) {
	case string:
		claims.Audience = aud
	case []any:
		if len(aud) > 0 {
			claims.Audience, _ = aud[0].(string)
		}
	}

	// OAuth2 space-separated scope string.
	if scopeStr, ok := mapClaims["scope"].(string); ok {
		claims.Scopes = strings.Fields(scopeStr)
	}

	if tenant, ok := mapClaims[cfg.TenantClaim].(string); ok {
		claims.Tenant = strings.ToLower(tenant)
	}

	for _, required := range cfg.Scopes {
		if !claims.HasScope(required) {
			return nil, &ScopeError{MissingScope: required}
		}
	}

	return claims, nil
}
