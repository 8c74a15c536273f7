package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder bundles the Prometheus collectors used by the HTTP layer and the
// request pipeline. Each Recorder owns its registry so tests can scrape an
// isolated instance.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	methodCalls    *prometheus.CounterVec
	domainFailures *prometheus.CounterVec
	anonymousPosts prometheus.Counter
	incidents      prometheus.Counter
}

var defaultRecorder = New()

// New constructs a Recorder with a fresh registry and all collectors
// registered.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bbj_http_requests_total",
			Help: "Total number of HTTP requests processed by the API.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bbj_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		methodCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bbj_method_calls_total",
			Help: "Total board method invocations by name and outcome.",
		}, []string{"name", "outcome"}),
		domainFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bbj_domain_failures_total",
			Help: "Domain failures returned to clients by method name and error kind.",
		}, []string{"name", "kind"}),
		anonymousPosts: factory.NewCounter(prometheus.CounterOpts{
			Name: "bbj_anonymous_posts_total",
			Help: "Total posts submitted without an authenticated identity.",
		}),
		incidents: factory.NewCounter(prometheus.CounterOpts{
			Name: "bbj_incidents_total",
			Help: "Unexpected internal failures assigned a correlation id.",
		}),
	}
}

// Default returns the singleton Recorder shared by the package-level helpers.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records a completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.httpRequests.WithLabelValues(m, p, fmt.Sprintf("%d", status)).Inc()
	r.httpDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// ObserveMethodCall records one board method invocation with its outcome,
// "ok" or "error".
func (r *Recorder) ObserveMethodCall(name string, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	r.methodCalls.WithLabelValues(normalizeName(name), outcome).Inc()
}

// ObserveDomainFailure records a domain failure surfaced to a client.
func (r *Recorder) ObserveDomainFailure(name, kind string) {
	r.domainFailures.WithLabelValues(normalizeName(name), normalizeName(kind)).Inc()
}

// ObserveAnonymousPost counts a post accepted without authentication.
func (r *Recorder) ObserveAnonymousPost() {
	r.anonymousPosts.Inc()
}

// ObserveIncident counts an internal failure that produced a correlation id.
func (r *Recorder) ObserveIncident() {
	r.incidents.Inc()
}

// Registry returns the Recorder's Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler exposes the Recorder's registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// normalizePath collapses identifier-looking segments so the path label stays
// low cardinality.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 32 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 8
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveMethodCall records a board method invocation on the default recorder.
func ObserveMethodCall(name string, failed bool) {
	defaultRecorder.ObserveMethodCall(name, failed)
}

// ObserveDomainFailure records a domain failure on the default recorder.
func ObserveDomainFailure(name, kind string) {
	defaultRecorder.ObserveDomainFailure(name, kind)
}

// ObserveAnonymousPost counts an anonymous post on the default recorder.
func ObserveAnonymousPost() {
	defaultRecorder.ObserveAnonymousPost()
}

// ObserveIncident counts an internal failure on the default recorder.
func ObserveIncident() {
	defaultRecorder.ObserveIncident()
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
