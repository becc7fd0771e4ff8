// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	RewrittenAttributes prometheus.Counter
	RewriteFailures     prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including streamed body.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_gateway_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_gateway_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_gateway_upstream_errors_total",
			Help: "Total upstream transport failures by method.",
		}, []string{"method"}),

		RewrittenAttributes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_gateway_rewritten_attributes_total",
			Help: "Total HTML attribute values rewritten to proxy URLs.",
		}),

		RewriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_gateway_rewrite_failures_total",
			Help: "Total HTML attribute values left unchanged because they failed to resolve.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.RewrittenAttributes,
		m.RewriteFailures,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownRoutes lists the fixed route label values.
var knownRoutes = []string{"/relay", "/media", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded route label for Prometheus metrics.
// Gateway traffic, whose path is the target URL, is reported as "gateway".
func NormalizePath(path string) string {
	for _, prefix := range knownRoutes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	if strings.HasPrefix(path, "/http:") || strings.HasPrefix(path, "/https:") || path == "/" {
		return "gateway"
	}
	return "other"
}
