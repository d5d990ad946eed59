// Package ratelimit provides token bucket rate limiting keyed by client IP
// and routing context. Each tenant gets its own buckets, so traffic on one
// tenant's host never drains another's allowance from the same client.
package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/tenant-edge/internal/apierror"
	"github.com/dskow/tenant-edge/internal/config"
	"github.com/dskow/tenant-edge/internal/hostroute"
	"github.com/dskow/tenant-edge/internal/metrics"
	"github.com/dskow/tenant-edge/internal/routing"
)

const (
	cleanupInterval = time.Minute
	idleTTL         = 3 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// bucketKey is comparable so the map lookup needs no string building. The
// route field is set only when a route override applies.
type bucketKey struct {
	ip      string
	context hostroute.Context
	tenant  string
	route   string
}

// Entry is a point-in-time view of one bucket, for the admin API.
type Entry struct {
	ClientIP string    `json:"client_ip"`
	Context  string    `json:"context"`
	Tenant   string    `json:"tenant,omitempty"`
	Route    string    `json:"route,omitempty"`
	Tokens   float64   `json:"tokens"`
	LastSeen time.Time `json:"last_seen"`
}

// Limiter tracks per-client token buckets and periodically evicts idle ones.
type Limiter struct {
	mu           sync.RWMutex
	clients      map[bucketKey]*client
	cfg          config.RateLimitConfig
	routes       []config.RouteConfig
	prefixes     []string
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New creates a Limiter and starts its cleanup goroutine. trustedProxies
// lists IPs or CIDRs whose X-Forwarded-For header is believed.
func New(cfg config.RateLimitConfig, routes []config.RouteConfig, trustedProxies []string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients:      make(map[bucketKey]*client),
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	l.setRoutes(cfg, routes)
	go l.cleanup()
	return l
}

func parseCIDRs(entries []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, e := range entries {
		if !strings.Contains(e, "/") {
			if ip := net.ParseIP(e); ip != nil {
				bits := 128
				if ip.To4() != nil {
					ip, bits = ip.To4(), 32
				}
				nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
				continue
			}
		}
		_, ipNet, err := net.ParseCIDR(e)
		if err != nil {
			logger.Warn("invalid trusted proxy, skipping", "entry", e, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) setRoutes(cfg config.RateLimitConfig, routes []config.RouteConfig) {
	l.cfg = cfg
	l.routes = routes
	l.prefixes = make([]string, len(routes))
	for i, r := range routes {
		l.prefixes[i] = r.PathPrefix
	}
}

// UpdateConfig applies reloaded limits. Existing buckets are dropped so the
// new limits take effect on the next request.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig, routes []config.RouteConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setRoutes(cfg, routes)
	l.clients = make(map[bucketKey]*client)
}

// Middleware returns an HTTP middleware that enforces rate limits. It must
// run inside hostroute.Middleware; unrouted requests count as public.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rd, _ := hostroute.FromContext(r.Context())
			key := bucketKey{
				ip:      l.ClientIP(r),
				context: rd.Context,
				tenant:  rd.Tenant,
			}

			lim := l.limitFor(r.URL.Path, &key)
			if !l.bucket(key, lim).Allow() {
				l.logger.Warn("rate limit exceeded",
					"client_ip", key.ip,
					"context", key.context.String(),
					"tenant", key.tenant,
					"path", r.URL.Path,
				)
				metrics.RateLimitHits.WithLabelValues(key.context.String()).Inc()
				w.Header().Set("Retry-After", retryAfter(lim.RequestsPerSecond))
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded,
					"rate limit exceeded, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitFor resolves the limit for a request: a matching route override
// wins, then the context override, then the default. A route override also
// scopes the bucket to that route.
func (l *Limiter) limitFor(path string, key *bucketKey) config.Limit {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if i := routing.Longest(path, l.prefixes); i >= 0 && l.routes[i].RateOverride != nil {
		key.route = l.routes[i].PathPrefix
		return *l.routes[i].RateOverride
	}
	return l.cfg.For(key.context)
}

func retryAfter(rps float64) string {
	secs := math.Ceil(1 / rps)
	if secs < 1 || math.IsInf(secs, 0) || math.IsNaN(secs) {
		secs = 1
	}
	return strconv.FormatFloat(secs, 'f', 0, 64)
}

// bucket returns the limiter for key, creating it on first use.
func (l *Limiter) bucket(key bucketKey, lim config.Limit) *rate.Limiter {
	now := time.Now().UnixNano()

	l.mu.RLock()
	c, ok := l.clients[key]
	l.mu.RUnlock()
	if ok {
		c.lastSeen.Store(now)
		return c.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clients[key]; ok {
		c.lastSeen.Store(now)
		return c.limiter
	}
	c = &client{limiter: rate.NewLimiter(rate.Limit(lim.RequestsPerSecond), lim.BurstSize)}
	c.lastSeen.Store(now)
	l.clients[key] = c
	return c.limiter
}

// ClientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer is a trusted proxy; it is then walked right to left and
// the first untrusted hop wins.
func (l *Limiter) ClientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (l *Limiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
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

// Snapshot returns every live bucket ordered by client IP, context and
// tenant.
func (l *Limiter) Snapshot() []Entry {
	now := time.Now()

	l.mu.RLock()
	entries := make([]Entry, 0, len(l.clients))
	for k, c := range l.clients {
		entries = append(entries, Entry{
			ClientIP: k.ip,
			Context:  k.context.String(),
			Tenant:   k.tenant,
			Route:    k.route,
			Tokens:   c.limiter.TokensAt(now),
			LastSeen: time.Unix(0, c.lastSeen.Load()),
		})
	}
	l.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.ClientIP != b.ClientIP {
			return a.ClientIP < b.ClientIP
		}
		if a.Context != b.Context {
			return a.Context < b.Context
		}
		if a.Tenant != b.Tenant {
			return a.Tenant < b.Tenant
		}
		return a.Route < b.Route
	})
	return entries
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) int {
	cutoff := now.Add(-idleTTL).UnixNano()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, c := range l.clients {
		if c.lastSeen.Load() < cutoff {
			delete(l.clients, key)
			n++
		}
	}
	return n
}
