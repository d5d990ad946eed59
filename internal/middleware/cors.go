package middleware

import (
	"net/http"
	"strings"
)

// CORSConfig holds CORS middleware settings. An AllowedOrigins entry may be
// "*", an exact origin, or a subdomain wildcard such as
// "https://*.umkm.example.id", which matches every tenant and the owner
// console but not the bare domain.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         string
}

// DefaultCORSConfig returns sensible CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         "86400",
	}
}

// CORS returns middleware that answers preflight requests and decorates
// cross-origin responses. Only a single matching origin is ever echoed back.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			allowed, ok := matchOrigin(cfg.AllowedOrigins, origin)
			if ok {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", cfg.MaxAge)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchOrigin returns the Access-Control-Allow-Origin value for origin.
func matchOrigin(allowed []string, origin string) (string, bool) {
	for _, a := range allowed {
		switch {
		case a == "*":
			return "*", true
		case strings.EqualFold(a, origin):
			return origin, true
		case strings.Contains(a, "://*."):
			scheme, suffix, _ := strings.Cut(a, "://*")
			rest, ok := strings.CutPrefix(strings.ToLower(origin), strings.ToLower(scheme)+"://")
			if ok && strings.HasSuffix(rest, strings.ToLower(suffix)) && len(rest) > len(suffix) {
				return origin, true
			}
		}
	}
	return "", false
}
