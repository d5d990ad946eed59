// Package metrics provides Prometheus instrumentation for the edge. The
// collectors are package-level so any component can record without wiring;
// Init registers them with the default registry and Handler exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RoutingDecisions counts host routing outcomes by context.
	RoutingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_routing_decisions_total",
			Help: "Host routing decisions by resolved context",
		},
		[]string{"context"},
	)

	// InternalPathRejections counts public-host requests that addressed the
	// owner or tenant namespace directly.
	InternalPathRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_internal_path_rejections_total",
			Help: "Public-host requests rejected for addressing an internal namespace",
		},
	)

	// RequestsTotal counts requests by route, context, method and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "context", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edge_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "context"},
	)

	// ActiveConnections tracks the number of in-flight proxied requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_active_connections",
			Help: "Number of in-flight requests currently being proxied",
		},
	)

	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"context"},
	)

	// AuthFailures counts authentication and authorization failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	BackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_backend_errors_total",
			Help: "Total backend error responses (5xx)",
		},
		[]string{"route", "backend", "status"},
	)

	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"route", "backend"},
	)

	// BreakerState reports each backend breaker: 0 closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)

	BreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"backend", "to"},
	)

	// ConfigReloads counts configuration reload attempts by result.
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_config_reloads_total",
			Help: "Configuration reload attempts",
		},
		[]string{"result"},
	)
)

// Collectors returns every collector owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RoutingDecisions,
		InternalPathRejections,
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		RateLimitHits,
		AuthFailures,
		BackendErrors,
		RetryTotal,
		BreakerState,
		BreakerStateChanges,
		ConfigReloads,
	}
}

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(Collectors()...)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
