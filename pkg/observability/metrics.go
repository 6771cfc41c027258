package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the authorization pipeline.
// A nil *Metrics is valid; every recording method is then a no-op.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AuthzDecisionsTotal  *prometheus.CounterVec
	AuthzDecisionLatency prometheus.Histogram

	CacheLookupsTotal       *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec
	GrantRebuildsTotal      *prometheus.CounterVec

	RealtimeConnections   prometheus.Gauge
	RealtimeMessagesTotal *prometheus.CounterVec

	AuditEventsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates all collectors and registers them on registry.
// A nil registry gets a fresh one, which keeps tests isolated.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caseguard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "caseguard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caseguard_authz_decisions_total",
				Help: "Authorization decisions by result and reason",
			},
			[]string{"result", "reason"},
		),
		AuthzDecisionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "caseguard_authz_decision_duration_seconds",
				Help:    "Time spent evaluating one authorization decision",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caseguard_entitlement_cache_lookups_total",
				Help: "Entitlement store lookups by namespace and result",
			},
			[]string{"namespace", "result"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caseguard_cache_invalidations_total",
				Help: "Cache invalidations by trigger",
			},
			[]string{"kind"},
		),
		GrantRebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caseguard_grant_rebuilds_total",
				Help: "Permission grant set rebuilds by result",
			},
			[]string{"result"},
		),
		RealtimeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "caseguard_realtime_connections",
				Help: "Currently authenticated realtime connections",
			},
		),
		RealtimeMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caseguard_realtime_messages_total",
				Help: "Inbound realtime messages by event and result",
			},
			[]string{"event", "result"},
		),
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caseguard_audit_events_total",
				Help: "Audit events by outcome",
			},
			[]string{"result"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthzDecisionsTotal,
		m.AuthzDecisionLatency,
		m.CacheLookupsTotal,
		m.CacheInvalidationsTotal,
		m.GrantRebuildsTotal,
		m.RealtimeConnections,
		m.RealtimeMessagesTotal,
		m.AuditEventsTotal,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDecision records the outcome of one authorization decision
func (m *Metrics) RecordDecision(result, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AuthzDecisionsTotal.WithLabelValues(result, reason).Inc()
	m.AuthzDecisionLatency.Observe(duration.Seconds())
}

// RecordCacheLookup records a hit, miss or error against a cache namespace
func (m *Metrics) RecordCacheLookup(namespace, result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(namespace, result).Inc()
}

// RecordInvalidation records one invalidation rule firing
func (m *Metrics) RecordInvalidation(kind string) {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.WithLabelValues(kind).Inc()
}

// RecordRebuild records a grant set rebuild outcome
func (m *Metrics) RecordRebuild(result string) {
	if m == nil {
		return
	}
	m.GrantRebuildsTotal.WithLabelValues(result).Inc()
}

// AddRealtimeConnections adjusts the live connection gauge
func (m *Metrics) AddRealtimeConnections(delta float64) {
	if m == nil {
		return
	}
	m.RealtimeConnections.Add(delta)
}

// RecordRealtimeMessage records one inbound realtime message
func (m *Metrics) RecordRealtimeMessage(event, result string) {
	if m == nil {
		return
	}
	m.RealtimeMessagesTotal.WithLabelValues(event, result).Inc()
}

// RecordAuditEvent records an audit emission outcome
func (m *Metrics) RecordAuditEvent(result string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.WithLabelValues(result).Inc()
}
