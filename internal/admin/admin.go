// Package admin provides read-only endpoints for inspecting the running
// edge. Every endpoint is GET-only and restricted to an IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/dskow/tenant-edge/internal/apierror"
	"github.com/dskow/tenant-edge/internal/breaker"
	"github.com/dskow/tenant-edge/internal/config"
	"github.com/dskow/tenant-edge/internal/hostroute"
	"github.com/dskow/tenant-edge/internal/ratelimit"
	"github.com/dskow/tenant-edge/internal/routing"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// ConfigProvider returns the live configuration.
type ConfigProvider interface {
	Current() *config.Config
}

// Snapshotter lists rate limiter buckets.
type Snapshotter interface {
	Snapshot() []ratelimit.Entry
}

// Handler serves the admin API.
type Handler struct {
	configs     ConfigProvider
	router      *hostroute.Router
	limiter     Snapshotter
	breakers    *breaker.Registry
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates an admin Handler. Allowlist entries are CIDRs already checked
// by config validation; bad entries are skipped.
func New(
	configs ConfigProvider,
	router *hostroute.Router,
	limiter Snapshotter,
	breakers *breaker.Registry,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid admin allowlist entry, skipping", "entry", cidr)
			continue
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		configs:     configs,
		router:      router,
		limiter:     limiter,
		breakers:    breakers,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/routes", h.guard(h.routesHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/limiters", h.guard(h.limitersHandler))
	mux.HandleFunc("/admin/breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("/admin/resolve", h.guard(h.resolveHandler))
}

func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "admin API is read-only")
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "admin access denied")
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

type routeStatus struct {
	PathPrefix   string        `json:"path_prefix"`
	Backend      string        `json:"backend"`
	Methods      []string      `json:"methods,omitempty"`
	Contexts     []string      `json:"contexts,omitempty"`
	AuthRequired bool          `json:"auth_required"`
	TimeoutMs    int           `json:"timeout_ms"`
	RateOverride *config.Limit `json:"rate_override,omitempty"`
	Breaker      string        `json:"circuit_breaker_state"`
}

func (h *Handler) routesHandler(w http.ResponseWriter, r *http.Request) {
	routes := h.configs.Current().Routes
	out := make([]routeStatus, len(routes))
	for i, rc := range routes {
		state := "unknown"
		if st, ok := h.breakers.Lookup(rc.Backend); ok {
			state = st.String()
		}
		out[i] = routeStatus{
			PathPrefix:   rc.PathPrefix,
			Backend:      rc.Backend,
			Methods:      rc.Methods,
			Contexts:     rc.Contexts,
			AuthRequired: rc.AuthRequired,
			TimeoutMs:    rc.TimeoutMs,
			RateOverride: rc.RateOverride,
			Breaker:      state,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": out})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	redacted := *h.configs.Current()
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()

	q := r.URL.Query()
	pageSize := defaultPageSize
	if v, err := strconv.Atoi(q.Get("page_size")); err == nil && v > 0 && v <= maxPageSize {
		pageSize = v
	}
	page := 0
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v >= 0 {
		page = v
	}

	total := len(entries)
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   entries[start:end],
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": h.breakers.Statuses()})
}

type resolution struct {
	Host          string             `json:"host"`
	Path          string             `json:"path"`
	Decision      hostroute.Decision `json:"decision"`
	Passthrough   bool               `json:"passthrough"`
	EffectivePath string             `json:"effective_path"`
	Blocked       bool               `json:"blocked"`
	Route         string             `json:"route,omitempty"`
	RouteAllowed  bool               `json:"route_allowed"`
}

// resolveHandler answers what the edge would do with ?host=&path= without
// forwarding anything.
func (h *Handler) resolveHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	host, path := q.Get("host"), q.Get("path")
	if path == "" {
		path = "/"
	}
	cfg := h.configs.Current()

	d := h.router.Route(host, path)
	res := resolution{
		Host:          host,
		Path:          path,
		Decision:      d,
		Passthrough:   routing.MatchesAny(path, cfg.Platform.Passthrough),
		EffectivePath: d.Path,
		Blocked:       d.Context == hostroute.Public && cfg.Platform.BlocksInternalPaths() && hostroute.IsInternalPath(path),
	}
	if res.Passthrough {
		res.EffectivePath = path
	}

	if !res.Blocked {
		prefixes := make([]string, len(cfg.Routes))
		for i, rc := range cfg.Routes {
			prefixes[i] = rc.PathPrefix
		}
		if i := routing.Longest(res.EffectivePath, prefixes); i >= 0 {
			res.Route = cfg.Routes[i].PathPrefix
			res.RouteAllowed = cfg.Routes[i].AllowsContext(d.Context)
		}
	}

	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
