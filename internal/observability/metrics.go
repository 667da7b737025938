package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aiconsole"

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = prometheus.ExponentialBuckets(100, 10, 5) // 100B .. 1MB
)

// Metrics holds the console's Prometheus instruments. Every method is safe
// on a nil receiver, so packages run without a registry in tests.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	EntityActionsTotal       *prometheus.CounterVec
	EntityActionDuration     *prometheus.HistogramVec
	EntityValidationFailures *prometheus.CounterVec
	NotificationsTotal       *prometheus.CounterVec

	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec

	PromptConversionsTotal *prometheus.CounterVec

	WorkspacesActive        prometheus.Gauge
	WorkspaceEvictionsTotal prometheus.Counter
	StateWritesTotal        *prometheus.CounterVec
	EventsPublishedTotal    *prometheus.CounterVec

	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	DefinitionReloadTotal    *prometheus.CounterVec
	DefinitionsLoaded        prometheus.Gauge
	OpenAPIOperationsIndexed prometheus.Gauge
}

// InitMetrics creates the instruments and registers them with reg. It
// panics if any name is already registered.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	return &Metrics{
		HTTPRequestsTotal:     counter("http", "requests_total", "HTTP requests served.", "method", "path_pattern", "status"),
		HTTPRequestDuration:   histogram("http", "request_duration_seconds", "HTTP request latency.", latencyBuckets, "method", "path_pattern"),
		HTTPRequestSizeBytes:  histogram("http", "request_size_bytes", "HTTP request body size.", sizeBuckets, "method", "path_pattern"),
		HTTPResponseSizeBytes: histogram("http", "response_size_bytes", "HTTP response body size.", sizeBuckets, "method", "path_pattern"),

		EntityActionsTotal:       counter("entity", "actions_total", "Entity store actions.", "entity", "action", "status"),
		EntityActionDuration:     histogram("entity", "action_duration_seconds", "Entity store action latency.", latencyBuckets, "entity", "action"),
		EntityValidationFailures: counter("entity", "validation_failures_total", "Saves blocked by field validation.", "entity"),
		NotificationsTotal:       counter("", "notifications_total", "Errors reported to operators.", "entity"),

		BackendRequestsTotal:   counter("backend", "requests_total", "aiBridge requests.", "service", "method", "status"),
		BackendRequestDuration: histogram("backend", "request_duration_seconds", "aiBridge request latency.", latencyBuckets, "service"),
		BackendCircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "backend", Name: "circuit_breaker_state",
			Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
		}, []string{"service"}),

		PromptConversionsTotal: counter("prompt", "conversions_total", "Prompt template conversions.", "operation", "status"),

		WorkspacesActive: gauge("workspaces_active", "Live session workspaces."),
		WorkspaceEvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "workspace_evictions_total", Help: "Idle workspaces evicted.",
		}),
		StateWritesTotal:     counter("state", "writes_total", "Persisted client state writes.", "path", "status"),
		EventsPublishedTotal: counter("events", "published_total", "Entity change events published.", "event", "status"),

		CapabilityCacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capability", Name: "cache_hits_total", Help: "Capability cache hits.",
		}),
		CapabilityCacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capability", Name: "cache_misses_total", Help: "Capability cache misses.",
		}),

		DefinitionReloadTotal:    counter("definition", "reload_total", "Definition reloads by outcome.", "status"),
		DefinitionsLoaded:        gauge("definitions_loaded", "Entity definitions in the active registry."),
		OpenAPIOperationsIndexed: gauge("openapi_operations_indexed", "aiBridge operations in the OpenAPI index."),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

func (m *Metrics) RecordEntityAction(entity, action, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EntityActionsTotal.WithLabelValues(entity, action, status).Inc()
	m.EntityActionDuration.WithLabelValues(entity, action).Observe(duration.Seconds())
}

func (m *Metrics) RecordEntityValidationFailure(entity string) {
	if m != nil {
		m.EntityValidationFailures.WithLabelValues(entity).Inc()
	}
}

func (m *Metrics) RecordNotification(entity string) {
	if m != nil {
		m.NotificationsTotal.WithLabelValues(entity).Inc()
	}
}

// RecordBackendRequest records an aiBridge call. status 0 means the call
// never got a response.
func (m *Metrics) RecordBackendRequest(service, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func (m *Metrics) SetBackendCircuitBreakerState(service string, state float64) {
	if m != nil {
		m.BackendCircuitBreakerState.WithLabelValues(service).Set(state)
	}
}

// RecordPromptConversion counts a parse, serialize, validate or convert.
func (m *Metrics) RecordPromptConversion(operation string, success bool) {
	if m != nil {
		m.PromptConversionsTotal.WithLabelValues(operation, outcome(success)).Inc()
	}
}

func (m *Metrics) SetWorkspacesActive(count int) {
	if m != nil {
		m.WorkspacesActive.Set(float64(count))
	}
}

func (m *Metrics) RecordWorkspaceEvictions(count int) {
	if m != nil {
		m.WorkspaceEvictionsTotal.Add(float64(count))
	}
}

func (m *Metrics) RecordStateWrite(path, status string) {
	if m != nil {
		m.StateWritesTotal.WithLabelValues(path, status).Inc()
	}
}

func (m *Metrics) RecordEventPublished(event, status string) {
	if m != nil {
		m.EventsPublishedTotal.WithLabelValues(event, status).Inc()
	}
}

func (m *Metrics) RecordCapabilityCacheHit() {
	if m != nil {
		m.CapabilityCacheHitsTotal.Inc()
	}
}

func (m *Metrics) RecordCapabilityCacheMiss() {
	if m != nil {
		m.CapabilityCacheMissesTotal.Inc()
	}
}

func (m *Metrics) RecordDefinitionReload(status string) {
	if m != nil {
		m.DefinitionReloadTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m != nil {
		m.DefinitionsLoaded.Set(float64(count))
	}
}

func (m *Metrics) SetOpenAPIOperationsIndexed(count int) {
	if m != nil {
		m.OpenAPIOperationsIndexed.Set(float64(count))
	}
}

// MetricsMiddleware records request metrics labelled by chi's route
// pattern, which keeps item ids out of the label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		reqSize := max(int(r.ContentLength), 0)
		m.RecordHTTPRequest(r.Method, routePattern(r), writtenStatus(ww), time.Since(start), reqSize, ww.BytesWritten())
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// writtenStatus is the status a handler produced; handlers that never call
// WriteHeader answer 200.
func writtenStatus(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

// routePattern returns the matched chi route, or the raw path when the
// request was not routed.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
