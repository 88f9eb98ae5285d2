// Package telemetry exposes Prometheus metrics for the proxy fleet.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applyfleet_http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "applyfleet_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applyfleet_upstream_requests_total",
			Help: "Total number of upstream requests, labeled by region and status class.",
		},
		[]string{"region", "status"},
	)

	rateLimitDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applyfleet_rate_limit_denied_total",
			Help: "Total number of requests denied by the rate limiter, labeled by scope.",
		},
		[]string{"scope"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applyfleet_tasks_total",
			Help: "Total number of tasks processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	applicationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applyfleet_applications_total",
			Help: "Total number of application phases completed, labeled by phase.",
		},
		[]string{"phase"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "applyfleet_active_workers",
			Help: "Number of workers currently executing a task.",
		},
	)

	streamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "applyfleet_stream_clients",
			Help: "Number of connected SSE clients.",
		},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ObserveHTTPRequest records metrics for an inbound HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveUpstreamRequest records one upstream call by region and status class.
func ObserveUpstreamRequest(region string, statusCode int) {
	upstreamRequestsTotal.WithLabelValues(region, classify(statusCode)).Inc()
}

// ObserveRateLimitDenied records a denial for the given scope
// ("worker", "api").
func ObserveRateLimitDenied(scope string) {
	rateLimitDeniedTotal.WithLabelValues(scope).Inc()
}

// ObserveTask records a task outcome ("done", "stopped").
func ObserveTask(outcome string) {
	tasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveApplication records a completed application phase
// ("created", "confirmed").
func ObserveApplication(phase string) {
	applicationsTotal.WithLabelValues(phase).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// IncStreamClients increments the connected SSE client count.
func IncStreamClients() {
	streamClients.Inc()
}

// DecStreamClients decrements the connected SSE client count.
func DecStreamClients() {
	streamClients.Dec()
}

func classify(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
