package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects request pipeline and connection pool metrics.
// All methods are safe on a nil receiver so components can run without one.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestErrors   *prometheus.CounterVec

	poolConnections *prometheus.GaugeVec
	evictionsTotal  *prometheus.CounterVec
	evictionErrors  prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redminer_requests_total",
				Help: "Total number of HTTP exchanges completed, by method and status code",
			},
			[]string{"method", "status_code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redminer_request_duration_seconds",
				Help:    "Duration of HTTP exchanges in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		requestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redminer_request_errors_total",
				Help: "Total number of failed requests, by error kind",
			},
			[]string{"kind"},
		),
		poolConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "redminer_pool_connections",
				Help: "Pooled connections by state (idle, in_use)",
			},
			[]string{"state"},
		),
		evictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redminer_pool_evictions_total",
				Help: "Connections closed by the evictor, by reason (expired, idle)",
			},
			[]string{"reason"},
		),
		evictionErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "redminer_pool_eviction_errors_total",
				Help: "Eviction ticks that failed and were retried on the next tick",
			},
		),
	}
}

// ObserveRequest records one completed HTTP exchange.
func (m *Metrics) ObserveRequest(method string, statusCode int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RequestFailed records a request that ended with a classified error.
func (m *Metrics) RequestFailed(kind string) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(kind).Inc()
}

// SetPoolConnections publishes the pool's current idle and in-use counts.
func (m *Metrics) SetPoolConnections(idle, inUse int) {
	if m == nil {
		return
	}
	m.poolConnections.WithLabelValues("idle").Set(float64(idle))
	m.poolConnections.WithLabelValues("in_use").Set(float64(inUse))
}

// Evicted records connections closed by the evictor.
func (m *Metrics) Evicted(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictionsTotal.WithLabelValues(reason).Add(float64(n))
}

// EvictionFailed records a failed eviction tick.
func (m *Metrics) EvictionFailed() {
	if m == nil {
		return
	}
	m.evictionErrors.Inc()
}
