package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the provider's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	logins         *prometheus.CounterVec
	codesIssued    prometheus.Counter
	tokenExchanges *prometheus.CounterVec
	revocations    prometheus.Counter
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcp_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oidcp_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	m.logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcp_logins_total",
			Help: "Login attempts at the authorization endpoint",
		},
		[]string{"result"},
	)
	m.codesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oidcp_authorization_codes_issued_total",
		Help: "Authorization codes issued",
	})
	m.tokenExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcp_token_exchanges_total",
			Help: "Token endpoint outcomes by OAuth error code (ok on success)",
		},
		[]string{"result"},
	)
	m.revocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oidcp_token_revocations_total",
		Help: "Revocation requests",
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.logins,
		m.codesIssued,
		m.tokenExchanges,
		m.revocations,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Login records a login attempt outcome ("success", "failure" or "error").
func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

// CodeIssued counts an issued authorization code.
func (m *Metrics) CodeIssued() {
	if m == nil {
		return
	}
	m.codesIssued.Inc()
}

// TokenExchange records a token endpoint outcome.
func (m *Metrics) TokenExchange(result string) {
	if m == nil {
		return
	}
	m.tokenExchanges.WithLabelValues(result).Inc()
}

// Revocation counts a revocation request.
func (m *Metrics) Revocation() {
	if m == nil {
		return
	}
	m.revocations.Inc()
}
