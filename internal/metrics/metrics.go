// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for forward latency. CoAP exchanges with
// retransmissions can take tens of seconds.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 90}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	// Admin HTTP surface.
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// CoAP ingress.
	IngressRequests *prometheus.CounterVec

	// Forwarding core.
	ForwardsTotal    *prometheus.CounterVec
	ForwardDuration  *prometheus.HistogramVec
	ForwardsInFlight prometheus.Gauge

	SecureSessionBuilds prometheus.Counter
	PoolInUse           prometheus.Gauge

	// Transport.
	SendErrors *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coap_proxy_admin_http_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coap_proxy_admin_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		IngressRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coap_proxy_ingress_requests_total",
			Help: "Total inbound CoAP requests by method and response code.",
		}, []string{"method", "code"}),

		ForwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coap_proxy_forwards_total",
			Help: "Total forwards by transport and outcome.",
		}, []string{"transport", "outcome"}),

		ForwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coap_proxy_forward_duration_seconds",
			Help:    "Time from forward start to completion in seconds.",
			Buckets: defaultBuckets,
		}, []string{"transport"}),

		ForwardsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coap_proxy_forwards_in_flight",
			Help: "Number of forwards awaiting completion.",
		}),

		SecureSessionBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_proxy_secure_session_builds_total",
			Help: "Number of secure transports constructed.",
		}),

		PoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coap_proxy_endpoint_pool_in_use",
			Help: "Plain endpoints currently borrowed from the pool.",
		}),

		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coap_proxy_send_errors_total",
			Help: "Transport send errors by security and error class.",
		}, []string{"transport", "class"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.IngressRequests,
		m.ForwardsTotal,
		m.ForwardDuration,
		m.ForwardsInFlight,
		m.SecureSessionBuilds,
		m.PoolInUse,
		m.SendErrors,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
	"FETCH": true, "IPATCH": true,
}

// NormalizeMethod returns a bounded method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
// CoAP method names share the label space with HTTP ones.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed admin path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// ObserveAdminRequest records one admin HTTP request under bounded labels.
// route is the matched route pattern, or the raw path when nothing matched.
func (m *Metrics) ObserveAdminRequest(method string, status int, route string, d time.Duration) {
	labels := []string{NormalizeMethod(method), strconv.Itoa(status), NormalizePath(route)}
	m.RequestsTotal.WithLabelValues(labels...).Inc()
	m.RequestDuration.WithLabelValues(labels...).Observe(d.Seconds())
}
