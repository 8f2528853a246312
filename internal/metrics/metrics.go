// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec

	WebSocketSessionsActive prometheus.Gauge
	WebSocketSessionsTotal  *prometheus.CounterVec
	WebSocketMessages       *prometheus.CounterVec

	BackendReady    prometheus.Gauge
	BackendRestarts prometheus.Counter

	HTMLRewrites *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gallery_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gallery_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gallery_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gallery_proxy_upstream_request_duration_seconds",
			Help:    "Backend call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gallery_proxy_upstream_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gallery_proxy_upstream_failures_total",
			Help: "Backend calls that produced no response, by reason.",
		}, []string{"reason"}),

		WebSocketSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gallery_proxy_websocket_sessions_active",
			Help: "Number of relayed WebSocket sessions currently open.",
		}),

		WebSocketSessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gallery_proxy_websocket_sessions_total",
			Help: "Total WebSocket sessions by outcome.",
		}, []string{"outcome"}),

		WebSocketMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gallery_proxy_websocket_messages_total",
			Help: "Relayed WebSocket messages by direction and frame type.",
		}, []string{"direction", "type"}),

		BackendReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gallery_proxy_backend_ready",
			Help: "1 when the last backend health probe succeeded, else 0.",
		}),

		BackendRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gallery_proxy_backend_restarts_total",
			Help: "Number of times the supervised backend was relaunched.",
		}),

		HTMLRewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gallery_proxy_html_rewrites_total",
			Help: "HTML responses seen by the meta injector, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.WebSocketSessionsActive,
		m.WebSocketSessionsTotal,
		m.WebSocketMessages,
		m.BackendReady,
		m.BackendRestarts,
		m.HTMLRewrites,
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
// The Streamlit backend serves its assets under /static and its session
// socket under /_stcore.
var knownPrefixes = []string{"/health", "/proxy/status", "/metrics", "/_stcore", "/static", "/media"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	if strings.HasPrefix(path, "/google") && strings.HasSuffix(path, ".html") {
		return "/google"
	}
	if path == "/" || path == "" {
		return "/"
	}
	return "other"
}
