// Package health provides the liveness and readiness probe handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dskow/tenant-edge/internal/breaker"
)

var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	readinessCacheTTL = 5 * time.Second
	dialTimeout       = 2 * time.Second
)

// Handler serves /health and /ready.
type Handler struct {
	breakers *breaker.Registry
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	backends []string

	// Cached readiness body so probes do not dial every upstream each poll.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a Handler probing the given upstream URLs.
func New(backends []string, breakers *breaker.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		backends: backends,
		breakers: breakers,
		logger:   logger,
		now:      time.Now,
	}
}

// SetBackends replaces the probed upstreams after a reload and drops the
// cached result.
func (h *Handler) SetBackends(backends []string) {
	h.mu.Lock()
	h.backends = backends
	h.mu.Unlock()

	h.cacheMu.Lock()
	h.cachedResult = nil
	h.cacheMu.Unlock()
}

// RegisterRoutes adds the probe endpoints to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

type probeResult struct {
	backend string
	status  string
	ok      bool
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && h.now().Sub(h.cachedAt) < readinessCacheTTL {
		body, status := h.cachedResult, h.cachedStatus
		h.cacheMu.RUnlock()
		writeBody(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	h.mu.Lock()
	backends := h.backends
	h.mu.Unlock()

	ch := make(chan probeResult, len(backends))
	for _, b := range backends {
		go func(backend string) {
			ch <- h.probe(r.Context(), backend)
		}(b)
	}

	results := make(map[string]string, len(backends))
	ready := true
	for range backends {
		res := <-ch
		results[res.backend] = res.status
		if !res.ok {
			ready = false
		}
	}

	status, label := http.StatusOK, "ready"
	if !ready {
		status, label = http.StatusServiceUnavailable, "not ready"
	}

	body, _ := json.Marshal(map[string]any{
		"status":   label,
		"backends": results,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = status
	h.cachedAt = h.now()
	h.cacheMu.Unlock()

	writeBody(w, status, body)
}

// probe trusts an open or half-open breaker, otherwise dials the upstream.
func (h *Handler) probe(ctx context.Context, backend string) probeResult {
	if h.breakers != nil {
		if st, ok := h.breakers.Lookup(backend); ok {
			switch st {
			case breaker.Open:
				return probeResult{backend, "circuit-open", false}
			case breaker.HalfOpen:
				return probeResult{backend, "circuit-half-open", true}
			}
		}
	}

	u, err := url.Parse(backend)
	if err != nil || u.Host == "" {
		return probeResult{backend, "invalid URL", false}
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
	if err != nil {
		h.logger.Warn("backend unreachable", "backend", backend, "error", err)
		return probeResult{backend, "unreachable", false}
	}
	conn.Close()
	return probeResult{backend, "ok", true}
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body) //nolint:errcheck
}
