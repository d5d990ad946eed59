// Package proxy forwards routed requests to upstream backends. Routes are
// matched on the effective path (after host routing) and may be restricted
// to particular routing contexts.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/tenant-edge/internal/apierror"
	"github.com/dskow/tenant-edge/internal/breaker"
	"github.com/dskow/tenant-edge/internal/config"
	"github.com/dskow/tenant-edge/internal/hostroute"
	"github.com/dskow/tenant-edge/internal/metrics"
	"github.com/dskow/tenant-edge/internal/routing"
)

// HeaderLatency reports time spent at the edge, including retries.
const HeaderLatency = "X-Edge-Latency"

// statusClientClosedRequest is the de facto code for a client that went
// away before the upstream answered.
const statusClientClosedRequest = 499

type route struct {
	cfg   config.RouteConfig
	proxy *httputil.ReverseProxy
}

// Router matches requests to configured routes and proxies them.
type Router struct {
	routes   []route
	prefixes []string
	breakers *breaker.Registry
	logger   *slog.Logger
}

// New builds a Router. breakers is shared across reloads so that circuit
// state outlives a config change.
func New(routes []config.RouteConfig, breakers *breaker.Registry, logger *slog.Logger) (*Router, error) {
	rt := &Router{
		routes:   make([]route, 0, len(routes)),
		prefixes: make([]string, 0, len(routes)),
		breakers: breakers,
		logger:   logger,
	}
	for _, rc := range routes {
		target, err := url.Parse(rc.Backend)
		if err != nil {
			return nil, fmt.Errorf("invalid backend URL %q for route %q: %w", rc.Backend, rc.PathPrefix, err)
		}
		if target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("backend URL %q for route %q must be absolute", rc.Backend, rc.PathPrefix)
		}
		rt.routes = append(rt.routes, route{cfg: rc, proxy: rt.newReverseProxy(rc, target)})
		rt.prefixes = append(rt.prefixes, rc.PathPrefix)
	}
	return rt, nil
}

func (rt *Router) newReverseProxy(rc config.RouteConfig, target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			p := pr.In.URL.Path
			if rc.StripPrefix {
				p = strings.TrimPrefix(p, rc.PathPrefix)
				if p == "" || p[0] != '/' {
					p = "/" + p
				}
			}
			pr.Out.URL.Path = p
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)

			if xff := pr.In.Header.Values("X-Forwarded-For"); len(xff) > 0 {
				pr.Out.Header["X-Forwarded-For"] = xff
			}
			pr.SetXForwarded()

			for k, v := range rc.Headers {
				pr.Out.Header.Set(k, v)
			}
		},
		Transport: transportFor(rc.ConnectionPool),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			rt.writeUpstreamError(w, r, rc, err)
		},
	}
}

// transportFor returns the shared default transport unless the route tunes
// its own pool.
func transportFor(cp *config.ConnectionPoolConfig) http.RoundTripper {
	if cp == nil {
		return http.DefaultTransport
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	if cp.MaxIdleConns > 0 {
		t.MaxIdleConns = cp.MaxIdleConns
	}
	if cp.MaxIdlePerHost > 0 {
		t.MaxIdleConnsPerHost = cp.MaxIdlePerHost
	}
	if cp.IdleTimeout > 0 {
		t.IdleConnTimeout = cp.IdleTimeout
	}
	return t
}

func (rt *Router) writeUpstreamError(w http.ResponseWriter, r *http.Request, rc config.RouteConfig, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body too large")
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		rt.logger.Debug("client cancelled request", "backend", rc.Backend, "path", r.URL.Path)
		apierror.WriteJSON(w, r, statusClientClosedRequest, apierror.RequestCancelled, "request cancelled by client")
	case errors.Is(err, context.DeadlineExceeded):
		rt.logger.Warn("upstream timed out", "backend", rc.Backend, "path", r.URL.Path, "timeout", rc.Timeout())
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "upstream timed out")
	default:
		rt.logger.Error("proxy error", "error", err, "backend", rc.Backend, "path", r.URL.Path)
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream service unavailable")
	}
}

// Match returns the route serving path, if any.
func (rt *Router) Match(path string) (config.RouteConfig, bool) {
	i := routing.Longest(path, rt.prefixes)
	if i < 0 {
		return config.RouteConfig{}, false
	}
	return rt.routes[i].cfg, true
}

// RequiresAuth reports whether the route serving r demands a token.
func (rt *Router) RequiresAuth(r *http.Request) bool {
	rc, ok := rt.Match(r.URL.Path)
	return ok && rc.AuthRequired
}

// Backends returns the distinct backend URLs in route order.
func (rt *Router) Backends() []string {
	seen := make(map[string]bool, len(rt.routes))
	var out []string
	for _, r := range rt.routes {
		if !seen[r.cfg.Backend] {
			seen[r.cfg.Backend] = true
			out = append(out, r.cfg.Backend)
		}
	}
	return out
}

// ServeHTTP matches the request, checks method and context, consults the
// backend's breaker and proxies with retries.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rd, _ := hostroute.FromContext(r.Context())
	ctxName := rd.Context.String()

	i := routing.Longest(r.URL.Path, rt.prefixes)
	if i < 0 {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return
	}
	rte := rt.routes[i]
	rc := rte.cfg

	if len(rc.Methods) > 0 && !methodAllowed(r.Method, rc.Methods) {
		w.Header().Set("Allow", strings.Join(rc.Methods, ", "))
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, rc.PathPrefix))
		return
	}

	if !rc.AllowsContext(rd.Context) {
		rt.logger.Warn("route not available in routing context",
			"route", rc.PathPrefix,
			"context", ctxName,
			"host", rd.Host,
		)
		apierror.WriteJSON(w, r, http.StatusForbidden, apierror.ContextForbidden,
			fmt.Sprintf("route %s is not available in the %s context", rc.PathPrefix, ctxName))
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	cb := rt.breakers.Get(rc.Backend)
	if !cb.Allow() {
		writeOpen(rec, r, rc)
	} else {
		rt.forward(rec, r, rte, start)
		if rec.statusCode >= 500 && rec.statusCode != statusClientClosedRequest {
			cb.Failure()
		} else {
			cb.Success()
		}
	}

	status := strconv.Itoa(rec.statusCode)
	metrics.RequestsTotal.WithLabelValues(rc.PathPrefix, ctxName, r.Method, status).Inc()
	metrics.RequestDuration.WithLabelValues(rc.PathPrefix, ctxName).Observe(time.Since(start).Seconds())
	if rec.statusCode >= 500 {
		metrics.BackendErrors.WithLabelValues(rc.PathPrefix, rc.Backend, status).Inc()
	}
}

// writeOpen answers for a backend whose circuit is open.
func writeOpen(w http.ResponseWriter, r *http.Request, rc config.RouteConfig) {
	if rc.FallbackStatus == 0 {
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "circuit breaker open")
		return
	}
	ct := "text/plain; charset=utf-8"
	if json.Valid([]byte(rc.FallbackBody)) {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(rc.FallbackStatus)
	io.WriteString(w, rc.FallbackBody) //nolint:errcheck
}

func (rt *Router) forward(w *responseRecorder, r *http.Request, rte route, start time.Time) {
	rc := rte.cfg

	maxAttempts := 1
	if rc.RetryAttempts > 0 && idempotent(r.Method) {
		maxAttempts = rc.RetryAttempts + 1
	}

	var body []byte
	if maxAttempts > 1 && r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body too large")
				return
			}
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "failed to read request body")
			return
		}
		body = b
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(r.Context(), rc.Timeout())
		out := r.WithContext(ctx)
		if body != nil {
			out.Body = io.NopCloser(bytes.NewReader(body))
			out.ContentLength = int64(len(body))
		}

		if attempt == maxAttempts {
			rte.proxy.ServeHTTP(&latencyWriter{ResponseWriter: w, start: start}, out)
			cancel()
			return
		}

		// Buffer non-final attempts so a retryable failure can be discarded.
		buf := &responseBuffer{header: make(http.Header), statusCode: http.StatusOK}
		rte.proxy.ServeHTTP(buf, out)
		cancel()

		if !isRetryable(buf.statusCode) {
			w.Header().Set(HeaderLatency, time.Since(start).String())
			buf.replayTo(w)
			return
		}

		metrics.RetryTotal.WithLabelValues(rc.PathPrefix, rc.Backend).Inc()
		rt.logger.Warn("retrying request",
			"path", r.URL.Path,
			"backend", rc.Backend,
			"attempt", attempt,
			"status", buf.statusCode,
		)

		backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-r.Context().Done():
			t.Stop()
			apierror.WriteJSON(w, r, statusClientClosedRequest, apierror.RequestCancelled, "request cancelled by client")
			return
		}
	}
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(method, m) {
			return true
		}
	}
	return false
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func isRetryable(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

// latencyWriter sets HeaderLatency just before the response is committed.
type latencyWriter struct {
	http.ResponseWriter
	start   time.Time
	written bool
}

func (lw *latencyWriter) stamp() {
	if !lw.written {
		lw.written = true
		lw.ResponseWriter.Header().Set(HeaderLatency, time.Since(lw.start).String())
	}
}

func (lw *latencyWriter) WriteHeader(code int) {
	lw.stamp()
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *latencyWriter) Write(b []byte) (int, error) {
	lw.stamp()
	return lw.ResponseWriter.Write(b)
}

func (lw *latencyWriter) Unwrap() http.ResponseWriter { return lw.ResponseWriter }

// responseRecorder captures the status code for metrics and the breaker.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.written {
		rr.statusCode = code
		rr.written = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.written {
		rr.statusCode = http.StatusOK
		rr.written = true
	}
	return rr.ResponseWriter.Write(b)
}

func (rr *responseRecorder) Unwrap() http.ResponseWriter { return rr.ResponseWriter }

// responseBuffer holds a whole response in memory for replay.
type responseBuffer struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
	written    bool
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(code int) {
	if !b.written {
		b.statusCode = code
		b.written = true
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if !b.written {
		b.statusCode = http.StatusOK
		b.written = true
	}
	return b.body.Write(p)
}

func (b *responseBuffer) replayTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, vals := range b.header {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(b.statusCode)
	w.Write(b.body.Bytes()) //nolint:errcheck
}
