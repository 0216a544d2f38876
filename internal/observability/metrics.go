package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	admissionInflight   prometheus.Gauge
	admissionRejections prometheus.Counter
	rateLimitHits       *prometheus.CounterVec
	authFailures        prometheus.Counter
	classifiedErrors    *prometheus.CounterVec
	routerRequests      *prometheus.CounterVec
	routerUnavailable   prometheus.Counter
	registry            *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests processed",
		},
		[]string{"route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"route", "status"},
	)

	m.admissionInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_inflight",
			Help:      "Current number of inflight requests admitted by the gateway",
		},
	)

	m.admissionRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Total number of requests rejected by the admission controller",
		},
	)

	m.rateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limited requests",
		},
		[]string{"tenant"},
	)

	m.authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of gateway authentication failures",
		},
	)

	m.classifiedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classified_errors_total",
			Help:      "Total number of classified errors by failure source",
		},
		[]string{"source", "code"},
	)

	m.routerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_requests_total",
			Help:      "Total number of requests dispatched to the Router",
		},
		[]string{"outcome"},
	)

	m.routerUnavailable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_unavailable_total",
			Help:      "Total number of Router dispatch failures (transport or circuit open)",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.admissionInflight,
		m.admissionRejections,
		m.rateLimitHits,
		m.authFailures,
		m.classifiedErrors,
		m.routerRequests,
		m.routerUnavailable,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(route string, status int, seconds float64) {
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(route, s).Inc()
	m.requestDuration.WithLabelValues(route, s).Observe(seconds)
}

// SetAdmissionInflight updates the global inflight gauge.
func (m *Metrics) SetAdmissionInflight(n int) {
	m.admissionInflight.Set(float64(n))
}

// RecordAdmissionRejection records a rejected request start.
func (m *Metrics) RecordAdmissionRejection() {
	m.admissionRejections.Inc()
}

// RecordRateLimitHit records a rate limited request for a tenant.
func (m *Metrics) RecordRateLimitHit(tenant string) {
	m.rateLimitHits.WithLabelValues(tenant).Inc()
}

// RecordAuthFailure records a gateway authentication failure.
func (m *Metrics) RecordAuthFailure() {
	m.authFailures.Inc()
}

// RecordClassifiedError records a surfaced error by failure source and code.
func (m *Metrics) RecordClassifiedError(source, code string) {
	m.classifiedErrors.WithLabelValues(source, code).Inc()
}

// RecordRouterRequest records a Router dispatch outcome ("ok" or "error").
func (m *Metrics) RecordRouterRequest(outcome string) {
	m.routerRequests.WithLabelValues(outcome).Inc()
}

// RecordRouterUnavailable records a Router transport failure.
func (m *Metrics) RecordRouterUnavailable() {
	m.routerUnavailable.Inc()
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
