// Package breaker implements a sliding-window failure-rate circuit breaker
// and a registry that keeps one breaker per upstream.
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/tenant-edge/internal/config"
	"github.com/dskow/tenant-edge/internal/metrics"
)

// State is a breaker state. The numeric values are exported as the
// edge_circuit_breaker_state gauge.
type State int

const (
	Closed   State = iota // requests flow
	HalfOpen              // a limited number of probes flow
	Open                  // requests are rejected
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Breaker opens once the failure ratio over the last WindowSize outcomes
// reaches FailureThreshold. After ResetTimeout it lets HalfOpenMax probes
// through; that many successes close it, any failure reopens it.
type Breaker struct {
	mu sync.Mutex

	backend string
	cfg     config.CircuitBreakerConfig
	logger  *slog.Logger
	now     func() time.Time

	state    State
	openedAt time.Time

	ring     []bool // true marks a failure
	head     int
	count    int
	failures int

	probes    int // half-open requests admitted
	successes int // half-open successes
}

// New returns a closed breaker for backend.
func New(backend string, cfg config.CircuitBreakerConfig, logger *slog.Logger) *Breaker {
	b := &Breaker{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		ring:    make([]bool, cfg.WindowSize),
	}
	metrics.BreakerState.WithLabelValues(backend).Set(float64(Closed))
	return b
}

// Allow reports whether a request may proceed. Every allowed request must be
// followed by exactly one Success or Failure call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false
		}
		b.setState(HalfOpen)
		fallthrough
	case HalfOpen:
		if b.probes >= b.cfg.HalfOpenMax {
			return false
		}
		b.probes++
		return true
	}
	return true
}

// Success records a successful upstream response.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.record(false)
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.setState(Closed)
		}
	}
}

// Failure records a failed upstream response.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.record(true)
		if b.count == len(b.ring) && float64(b.failures)/float64(b.count) >= b.cfg.FailureThreshold {
			b.setState(Open)
		}
	case HalfOpen:
		b.setState(Open)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed still reports Open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(Closed)
}

// record pushes an outcome into the ring. Caller holds b.mu.
func (b *Breaker) record(failed bool) {
	if b.count == len(b.ring) {
		if b.ring[b.head] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.ring[b.head] = failed
	if failed {
		b.failures++
	}
	b.head = (b.head + 1) % len(b.ring)
}

// setState transitions and resets per-state counters. Caller holds b.mu.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	b.probes, b.successes = 0, 0

	switch s {
	case Closed:
		b.head, b.count, b.failures = 0, 0, 0
	case Open:
		b.openedAt = b.now()
	}

	metrics.BreakerState.WithLabelValues(b.backend).Set(float64(s))
	metrics.BreakerStateChanges.WithLabelValues(b.backend, s.String()).Inc()
	b.logger.Info("circuit breaker state change",
		"backend", b.backend,
		"from", from.String(),
		"to", s.String(),
	)
}

// Registry hands out one breaker per backend URL. Breakers survive config
// reloads so an open circuit is not forgotten; a settings change replaces
// them all.
type Registry struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	breakers map[string]*Breaker
	logger   *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg config.CircuitBreakerConfig, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// Get returns the breaker for backend, creating it on first use.
func (r *Registry) Get(backend string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[backend]
	if !ok {
		b = New(backend, r.cfg, r.logger)
		r.breakers[backend] = b
	}
	return b
}

// Lookup returns the state of backend's breaker without creating one.
func (r *Registry) Lookup(backend string) (State, bool) {
	r.mu.Lock()
	b, ok := r.breakers[backend]
	r.mu.Unlock()
	if !ok {
		return Closed, false
	}
	return b.State(), true
}

// UpdateConfig applies reloaded breaker settings. Existing breakers are
// kept when the settings are unchanged.
func (r *Registry) UpdateConfig(cfg config.CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg == r.cfg {
		return
	}
	r.logger.Info("circuit breaker settings changed, resetting breakers",
		"window_size", cfg.WindowSize,
		"failure_threshold", cfg.FailureThreshold,
	)
	r.cfg = cfg
	r.breakers = make(map[string]*Breaker)
}

// Status is one breaker's state, for health and admin output.
type Status struct {
	Backend string `json:"backend"`
	State   State  `json:"state"`
}

// Statuses returns every known breaker sorted by backend.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Status, len(list))
	for i, b := range list {
		out[i] = Status{Backend: b.backend, State: b.State()}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
