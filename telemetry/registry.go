// Package telemetry holds the per-session logger and metrics registry.
//
// A Registry is created once per client session and handed to every
// component that logs or records metrics. Nothing in this package keeps
// process-wide state: two sessions in one process get two independent
// registries.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// Registry hands out named loggers and owns the session's Prometheus registry.
type Registry struct {
	base    zerolog.Logger
	prom    *prometheus.Registry
	metrics *Metrics

	mu      sync.Mutex
	loggers map[string]zerolog.Logger
	closed  bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	processCollectors bool
}

// WithProcessCollectors also registers the Go runtime and process collectors.
// Useful when the registry is exposed over HTTP by a long-running process.
func WithProcessCollectors() RegistryOption {
	return func(o *registryOptions) {
		o.processCollectors = true
	}
}

// NewRegistry creates a registry whose loggers derive from base.
func NewRegistry(base zerolog.Logger, opts ...RegistryOption) *Registry {
	var o registryOptions
	for _, opt := range opts {
		opt(&o)
	}

	prom := prometheus.NewRegistry()
	if o.processCollectors {
		prom.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return &Registry{
		base:    base,
		prom:    prom,
		metrics: newMetrics(prom),
		loggers: make(map[string]zerolog.Logger),
	}
}

// Logger returns the logger for a component, creating it on first use.
// After Close the base logger is returned and nothing is cached.
func (r *Registry) Logger(component string) zerolog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return r.base
	}
	if l, ok := r.loggers[component]; ok {
		return l
	}

	l := r.base.With().Str("component", component).Logger()
	r.loggers[component] = l
	return l
}

// Metrics returns the session's metric collectors.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// Gatherer exposes the underlying Prometheus registry for scraping.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}

// Close drops the cached loggers. It is safe to call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	clear(r.loggers)
}
