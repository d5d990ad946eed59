// Package server assembles the edge: host routing in front of the
// middleware chain and the proxy, plus the operational endpoints.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/dskow/tenant-edge/internal/admin"
	"github.com/dskow/tenant-edge/internal/auth"
	"github.com/dskow/tenant-edge/internal/breaker"
	"github.com/dskow/tenant-edge/internal/config"
	"github.com/dskow/tenant-edge/internal/health"
	"github.com/dskow/tenant-edge/internal/hostroute"
	"github.com/dskow/tenant-edge/internal/metrics"
	"github.com/dskow/tenant-edge/internal/middleware"
	"github.com/dskow/tenant-edge/internal/proxy"
	"github.com/dskow/tenant-edge/internal/ratelimit"
	"github.com/dskow/tenant-edge/internal/routing"
)

// Server is an http.Handler whose chain is rebuilt on every Apply. The host
// router, rate limiter and breaker registry live for the whole process.
type Server struct {
	router   *hostroute.Router
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	health   *health.Handler
	logger   *slog.Logger

	mu      sync.Mutex // serializes Apply
	current atomic.Pointer[built]
}

// built is one immutable generation of the handler chain.
type built struct {
	cfg *config.Config
	app http.Handler
	ops http.Handler
	// opsPaths are exact paths served by ops; opsPrefixes match by prefix.
	opsPaths    map[string]bool
	opsPrefixes []string
}

// New builds a Server for cfg. The platform domain is fixed for the
// lifetime of the Server.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	rt, err := hostroute.New(cfg.Platform.Domain)
	if err != nil {
		return nil, fmt.Errorf("platform.domain: %w", err)
	}
	s := &Server{
		router:   rt,
		limiter:  ratelimit.New(cfg.RateLimit, cfg.Routes, cfg.Server.TrustedProxies, logger),
		breakers: breaker.NewRegistry(cfg.CircuitBreaker, logger),
		logger:   logger,
	}
	s.health = health.New(nil, s.breakers, logger)

	if err := s.Apply(cfg); err != nil {
		s.limiter.Stop()
		return nil, err
	}
	return s, nil
}

// Router returns the host router.
func (s *Server) Router() *hostroute.Router { return s.router }

// Current returns the configuration the live chain was built from.
func (s *Server) Current() *config.Config { return s.current.Load().cfg }

// Close stops background work. It does not close listeners.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Apply builds a new chain from cfg and swaps it in. In-flight requests
// finish on the chain they started with. A domain change is refused.
func (s *Server) Apply(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, err := hostroute.NormalizeDomain(cfg.Platform.Domain); err != nil || d != s.router.Domain() {
		return fmt.Errorf("platform.domain cannot change at runtime (running %q, got %q)",
			s.router.Domain(), cfg.Platform.Domain)
	}

	px, err := proxy.New(cfg.Routes, s.breakers, s.logger)
	if err != nil {
		return err
	}

	if s.current.Load() != nil {
		s.limiter.UpdateConfig(cfg.RateLimit, cfg.Routes)
	}
	s.breakers.UpdateConfig(cfg.CircuitBreaker)
	s.health.SetBackends(px.Backends())

	b := &built{
		cfg:      cfg,
		app:      s.buildApp(cfg, px),
		opsPaths: map[string]bool{"/health": true, "/ready": true},
	}

	mux := http.NewServeMux()
	s.health.RegisterRoutes(mux)
	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		b.opsPaths[cfg.Metrics.Path] = true
	}
	if cfg.Admin.Enabled {
		admin.New(s, s.router, s.limiter, s.breakers, cfg.Admin.IPAllowlist, s.logger).RegisterRoutes(mux)
		b.opsPrefixes = append(b.opsPrefixes, "/admin/")
	}
	b.ops = mux

	s.current.Store(b)
	s.logger.Info("handler chain built",
		"domain", s.router.Domain(),
		"routes", len(cfg.Routes),
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
	)
	return nil
}

// Chain order, outermost first:
// Recovery → RequestID → SecurityHeaders → HostRoute → Logging → CORS →
// BodyLimit → Deadline → RateLimit → Auth → Proxy
func (s *Server) buildApp(cfg *config.Config, px *proxy.Router) http.Handler {
	routeLogLevel := func(r *http.Request) slog.Level {
		rc, ok := px.Match(r.URL.Path)
		if !ok {
			return slog.LevelInfo
		}
		return middleware.ParseLogLevel(rc.LogLevel)
	}

	cors := middleware.DefaultCORSConfig()
	if len(cfg.Server.CORSOrigins) > 0 {
		cors.AllowedOrigins = cfg.Server.CORSOrigins
	}

	hostOpts := hostroute.Options{
		Passthrough:        cfg.Platform.Passthrough,
		BlockInternalPaths: cfg.Platform.BlocksInternalPaths(),
	}

	var h http.Handler = px
	h = auth.Middleware(cfg.Auth, px.RequiresAuth, s.logger)(h)
	h = s.limiter.Middleware()(h)
	h = middleware.Deadline(cfg.Server.GlobalTimeout())(h)
	h = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(h)
	h = middleware.CORS(cors)(h)
	h = middleware.Logging(s.logger, routeLogLevel, &middleware.LoggingConfig{
		BodyLogging:     cfg.Logging.BodyLogging,
		MaxBodyLogBytes: cfg.Logging.MaxBodyLogBytes,
	})(h)
	h = hostroute.Middleware(s.router, hostOpts, s.logger)(h)
	h = middleware.SecurityHeaders()(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(s.logger)(h)
	return h
}

// ServeHTTP dispatches to the operational endpoints or the application
// chain. Operational endpoints answer only on hosts that route to the public
// context, so tenant and owner applications keep their own /health or
// /admin paths.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b := s.current.Load()
	if b.isOps(r.URL.Path) && s.router.Route(r.Host, "/").Context == hostroute.Public {
		b.ops.ServeHTTP(w, r)
		return
	}
	b.app.ServeHTTP(w, r)
}

func (b *built) isOps(path string) bool {
	return b.opsPaths[path] || routing.MatchesAny(path, b.opsPrefixes)
}
