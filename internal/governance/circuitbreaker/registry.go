package circuitbreaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/routegate/pkg/log"
	"github.com/songzhibin97/routegate/pkg/metrics"
)

// DefaultTimeout applies when neither a time limiter nor the route sets one
const DefaultTimeout = 30 * time.Second

// Registry owns one breaker per backend name, created on first reference
type Registry struct {
	mu             sync.RWMutex
	breakers       map[string]*CircuitBreaker
	configs        map[string]Config
	limiters       map[string]TimeLimiterConfig
	fallbacks      map[string]string
	defaults       Config
	defaultTimeout time.Duration
	listeners      []StateListener
	logger         log.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithDefaultConfig sets the config used for names without explicit settings
func WithDefaultConfig(cfg Config) RegistryOption {
	return func(r *Registry) { r.defaults = cfg }
}

// WithDefaultTimeout sets the fallback time limiter timeout
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.defaultTimeout = d }
}

// WithLogger sets the registry logger
func WithLogger(logger log.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:       make(map[string]*CircuitBreaker),
		configs:        make(map[string]Config),
		limiters:       make(map[string]TimeLimiterConfig),
		fallbacks:      make(map[string]string),
		defaults:       DefaultConfig(),
		defaultTimeout: DefaultTimeout,
		logger:         log.Component("circuitbreaker"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.listeners = append(r.listeners, r.logStateChange)
	return r
}

func (r *Registry) logStateChange(name string, from, to State) {
	fields := []log.Field{
		log.String(log.FieldCircuitBreaker, name),
		log.String("from", from.String()),
		log.String(log.FieldCircuitState, to.String()),
	}
	if to == StateOpen {
		r.logger.Warn("circuit breaker opened", fields...)
		return
	}
	r.logger.Info("circuit breaker state changed", fields...)
}

// OnStateChange registers a listener on every current and future breaker
func (r *Registry) OnStateChange(listener StateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, listener)
	for _, cb := range r.breakers {
		cb.OnStateChange(listener)
	}
}

// Get returns the breaker for name, creating it on first reference
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb = New(name, r.configFor(name))
	for _, l := range r.listeners {
		cb.OnStateChange(l)
	}
	r.breakers[name] = cb
	return cb
}

// Find returns an existing breaker without creating one
func (r *Registry) Find(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// configFor must be called with mu held.
func (r *Registry) configFor(name string) Config {
	if cfg, ok := r.configs[name]; ok {
		return cfg.WithDefaults(r.defaults)
	}
	return r.defaults
}

// Sync installs the per-name settings of a newly loaded configuration.
// Existing breakers whose settings changed are reconfigured in place;
// breakers are never removed.
func (r *Registry) Sync(breakers map[string]Config, limiters map[string]TimeLimiterConfig, fallbacks map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs = copyMap(breakers)
	r.limiters = copyMap(limiters)
	r.fallbacks = copyMap(fallbacks)

	for name, cb := range r.breakers {
		cb.UpdateConfig(r.configFor(name))
	}

	r.logger.Debug("circuit breaker settings synced",
		log.Int("breakers", len(r.configs)),
		log.Int("time_limiters", len(r.limiters)),
		log.Int("fallbacks", len(r.fallbacks)),
	)
}

// Timeout resolves the call deadline for name: the named time limiter
// first, then the route timeout, then the registry default.
func (r *Registry) Timeout(name string, routeTimeout time.Duration) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tl, ok := r.limiters[name]; ok && tl.Timeout > 0 {
		return tl.Timeout
	}
	if routeTimeout > 0 {
		return routeTimeout
	}
	return r.defaultTimeout
}

// FallbackMessage returns the configured degraded message for name
func (r *Registry) FallbackMessage(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if msg, ok := r.fallbacks[name]; ok && msg != "" {
		return msg
	}
	return DefaultFallbackMessage(name)
}

// List returns every breaker snapshot sorted by name
func (r *Registry) List() []Metrics {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	out := make([]Metrics, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the named breaker
func (r *Registry) Reset(name string) error {
	cb, ok := r.Find(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	cb.Reset()
	return nil
}

// ResetAll closes every breaker
func (r *Registry) ResetAll() {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}

// Health aggregates breaker states for the health endpoint
type Health struct {
	Status   string            `json:"status"`
	Breakers map[string]string `json:"circuit_breakers"`
}

// HealthCheck reports CIRCUIT_OPEN when any breaker is open
func (r *Registry) HealthCheck() Health {
	h := Health{Status: "UP", Breakers: make(map[string]string)}
	for _, m := range r.List() {
		h.Breakers[m.Name] = m.State.String()
		if m.State == StateOpen {
			h.Status = "CIRCUIT_OPEN"
		}
	}
	return h
}

// StateGauge returns a listener exporting the state of each breaker as a
// gauge (0 closed, 1 open, 2 half-open).
func StateGauge(vec metrics.GaugeVec) StateListener {
	return func(name string, _, to State) {
		vec.WithLabelValues(name).Set(float64(to))
	}
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
