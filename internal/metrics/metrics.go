// Package metrics exposes Prometheus collectors for the crawl pipeline
// and the HTTP API.
package metrics

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
	listingPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courtwatch_listing_pages_total",
			Help: "Facility listing pages fetched, labeled by status.",
		},
		[]string{"status"},
	)

	slotQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courtwatch_slot_queries_total",
			Help: "Per-date slot queries issued, labeled by status.",
		},
		[]string{"status"},
	)

	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courtwatch_ticks_total",
			Help: "Scheduler ticks processed, labeled by phase and status.",
		},
		[]string{"phase", "status"},
	)

	tickDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courtwatch_tick_duration_seconds",
			Help:    "Histogram of tick durations, labeled by phase.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"phase"},
	)

	pushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courtwatch_pushes_total",
			Help: "Push deliveries attempted, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courtwatch_http_requests_total",
			Help: "API requests served, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courtwatch_http_request_duration_seconds",
			Help:    "Histogram of API request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// ObserveListingPage records one listing page fetch.
func ObserveListingPage(status string) {
	listingPagesTotal.WithLabelValues(status).Inc()
}

// ObserveSlotQuery records one per-date slot query.
func ObserveSlotQuery(status string) {
	slotQueriesTotal.WithLabelValues(status).Inc()
}

// ObserveTick records one scheduler tick.
func ObserveTick(phase, status string, d time.Duration) {
	ticksTotal.WithLabelValues(phase, status).Inc()
	tickDurationSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

// ObservePush records one push delivery attempt.
func ObservePush(outcome string) {
	pushesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

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

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		ObserveHTTPRequest(r.Method, route, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
