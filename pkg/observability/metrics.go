package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Decision engine metrics
	DecisionsTotal      *prometheus.CounterVec
	DecisionDuration    *prometheus.HistogramVec
	ConversionsTotal    *prometheus.CounterVec
	OverridesTotal      prometheus.Counter

	// Definition cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Scheduler metrics
	SchedulerRunsTotal *prometheus.CounterVec

	// Export metrics
	ExportsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// Decision outcome label values
const (
	DecisionOutcomeNew          = "new"
	DecisionOutcomeExisting     = "existing"
	DecisionOutcomeWinner       = "winner"
	DecisionOutcomeNotRunning   = "not_running"
	DecisionOutcomeNotTargeted  = "not_targeted"
	DecisionOutcomeNotAllocated = "not_allocated"
	DecisionOutcomeNotFound     = "not_found"
	DecisionOutcomeError        = "error"
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_decisions_total",
				Help: "Total number of assignment decisions by outcome",
			},
			[]string{"outcome"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_decision_duration_seconds",
				Help:    "Assignment decision duration in seconds",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"outcome"},
		),
		ConversionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_conversions_total",
				Help: "Total number of conversion attempts",
			},
			[]string{"recorded"},
		),
		OverridesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_overrides_total",
				Help: "Total number of manual assignment overrides",
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cache_hits_total",
				Help: "Total number of definition cache hits",
			},
			[]string{"layer"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cache_misses_total",
				Help: "Total number of definition cache misses",
			},
			[]string{"layer"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		SchedulerRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_scheduler_runs_total",
				Help: "Total number of scheduler job runs",
			},
			[]string{"job", "status"},
		),
		ExportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_stats_exports_total",
				Help: "Total number of stats snapshot exports",
			},
			[]string{"status"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.ConversionsTotal,
		m.OverridesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.SchedulerRunsTotal,
		m.ExportsTotal,
	)

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision records a decision outcome and its duration
func (m *Metrics) ObserveDecision(outcome string, start time.Time) {
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
	m.DecisionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// statusRecorder captures the response status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// HTTPMiddleware instruments an HTTP handler with request metrics
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// CollectDBStats copies database pool statistics into gauges
func (m *Metrics) CollectDBStats(open, idle int) {
	m.DBConnectionsActive.Set(float64(open - idle))
	m.DBConnectionsIdle.Set(float64(idle))
}
