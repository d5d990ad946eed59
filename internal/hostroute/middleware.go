package hostroute

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dskow/tenant-edge/internal/apierror"
	"github.com/dskow/tenant-edge/internal/metrics"
	"github.com/dskow/tenant-edge/internal/routing"
)

// Headers set on every routed request. Client-supplied values are discarded.
const (
	HeaderContext       = "X-Edge-Context"
	HeaderTenant        = "X-Edge-Tenant"
	HeaderOriginalPath  = "X-Edge-Original-Path"
	HeaderForwardedHost = "X-Forwarded-Host"

	edgeHeaderPrefix = "X-Edge-"
)

// DefaultPassthrough lists the path prefixes that are never rewritten: the
// REST API and the frontend's static asset endpoints.
var DefaultPassthrough = []string{"/api", "/_next/static", "/_next/image", "/favicon.ico"}

// Routed is the routing result attached to a request context.
type Routed struct {
	Decision
	Host         string
	OriginalPath string
	Passthrough  bool
}

type ctxKey struct{}

// FromContext returns the routing result stored by Middleware.
func FromContext(ctx context.Context) (Routed, bool) {
	rd, ok := ctx.Value(ctxKey{}).(Routed)
	return rd, ok
}

// NewContext returns a copy of ctx carrying rd.
func NewContext(ctx context.Context, rd Routed) context.Context {
	return context.WithValue(ctx, ctxKey{}, rd)
}

// Options controls how Middleware applies decisions.
type Options struct {
	// Passthrough prefixes keep their path; the decision is still attached.
	Passthrough []string
	// BlockInternalPaths rejects requests that would reach the owner or
	// tenant namespaces without being rewritten into them: any path on a
	// public host, and passthrough paths on every host.
	BlockInternalPaths bool
}

// Middleware routes every request through rt exactly once. The downstream
// handler receives a clone of the request with the rewritten path, the edge
// headers set and the Routed value in its context.
func Middleware(rt *Router, opts Options, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, done := FromContext(r.Context()); done {
				next.ServeHTTP(w, r)
				return
			}

			d := rt.Route(r.Host, r.URL.Path)
			metrics.RoutingDecisions.WithLabelValues(d.Context.String()).Inc()

			// Passthrough is decided on the cleaned path, so dot segments
			// cannot smuggle a request past the namespace prefix.
			clean := CleanPath(r.URL.Path)
			passthrough := routing.MatchesAny(clean, opts.Passthrough)

			if (d.Context == Public || passthrough) && opts.BlockInternalPaths && IsInternalPath(clean) {
				metrics.InternalPathRejections.Inc()
				logger.Warn("internal path requested outside its namespace",
					"host", r.Host,
					"context", d.Context.String(),
					"path", r.URL.Path,
					"client_ip", r.RemoteAddr,
				)
				apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
				return
			}

			rd := Routed{
				Decision:     d,
				Host:         r.Host,
				OriginalPath: r.URL.Path,
				Passthrough:  passthrough,
			}

			r2 := r.Clone(NewContext(r.Context(), rd))
			switch {
			case !passthrough:
				r2.URL.Path = d.Path
				r2.URL.RawPath = ""
			case clean != r.URL.Path:
				r2.URL.Path = clean
				r2.URL.RawPath = ""
			}
			setEdgeHeaders(r2.Header, rd)

			next.ServeHTTP(w, r2)
		})
	}
}

// IsInternalPath reports whether p, once cleaned, falls inside the owner or
// tenant namespace.
func IsInternalPath(p string) bool {
	c := CleanPath(p)
	return routing.MatchesPrefix(c, OwnerPrefix) || routing.MatchesPrefix(c, TenantPrefix)
}

func setEdgeHeaders(h http.Header, rd Routed) {
	for k := range h {
		if strings.HasPrefix(k, edgeHeaderPrefix) {
			delete(h, k)
		}
	}
	h.Set(HeaderContext, rd.Context.String())
	if rd.Context == Tenant {
		h.Set(HeaderTenant, rd.Tenant)
	}
	h.Set(HeaderOriginalPath, rd.OriginalPath)
	if rd.Host != "" {
		h.Set(HeaderForwardedHost, rd.Host)
	}
}
