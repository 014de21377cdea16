package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// CacheMetrics captures read-cache activity per group.
type CacheMetrics interface {
	IncLookup(group, result string)
	IncEviction(group, status string)
}

// EngineMetrics captures control engine dispatches.
type EngineMetrics interface {
	ObserveDispatch(function, outcome string, durationSeconds float64)
	AddInFlight(delta float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncLookup(string, string)                       {}
func (Noop) IncEviction(string, string)                     {}
func (Noop) ObserveDispatch(string, string, float64)        {}
func (Noop) AddInFlight(float64)                            {}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// --- Cache metrics ---

type cacheProm struct {
	lookups   *prometheus.CounterVec
	evictions *prometheus.CounterVec
	once      sync.Once
}

// NewCacheProm constructs CacheMetrics. result is "hit" or "miss"; status is
// "ok" or "error".
func NewCacheProm(namespace string) CacheMetrics {
	c := &cacheProm{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Read cache lookups by group and result",
		}, []string{"group", "result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache group evictions by group and status",
		}, []string{"group", "status"}),
	}
	c.once.Do(func() {
		prometheus.MustRegister(c.lookups, c.evictions)
	})
	return c
}

func (c *cacheProm) IncLookup(group, result string) {
	c.lookups.WithLabelValues(group, result).Inc()
}

func (c *cacheProm) IncEviction(group, status string) {
	c.evictions.WithLabelValues(group, status).Inc()
}

// --- Engine metrics ---

type engineProm struct {
	dispatches *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   prometheus.Gauge
	once       sync.Once
}

// NewEngineProm constructs EngineMetrics labelled by engine function and
// outcome (ok, engine_error, protocol_error, timeout, canceled).
func NewEngineProm(namespace string) EngineMetrics {
	e := &engineProm{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_dispatches_total",
			Help:      "Engine dispatches by function and outcome",
		}, []string{"function", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_dispatch_duration_seconds",
			Help:      "Engine round-trip latency by function",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_inflight",
			Help:      "Engine calls currently running",
		}),
	}
	e.once.Do(func() {
		prometheus.MustRegister(e.dispatches, e.duration, e.inFlight)
	})
	return e
}

func (e *engineProm) ObserveDispatch(function, outcome string, durationSeconds float64) {
	e.dispatches.WithLabelValues(function, outcome).Inc()
	e.duration.WithLabelValues(function).Observe(durationSeconds)
}

func (e *engineProm) AddInFlight(delta float64) {
	e.inFlight.Add(delta)
}
