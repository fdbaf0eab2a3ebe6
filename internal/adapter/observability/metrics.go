package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	RowsReconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rows_reconciled_total",
			Help: "Total number of rows reconciled by feed and outcome",
		},
		[]string{"feed", "outcome"},
	)
	CatalogRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_requests_total",
			Help: "Total number of remote catalog requests by operation and status",
		},
		[]string{"operation", "status"},
	)
	CatalogRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_request_duration_seconds",
			Help:    "Remote catalog request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of batch jobs enqueued",
		},
		[]string{"feed"},
	)
	JobDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_deliveries_total",
			Help: "Total number of batch job deliveries by state",
		},
		[]string{"state"},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of batch jobs currently processing",
		},
	)

	RateGateWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rate_gate_wait_seconds",
			Help:    "Time spent waiting for rate gate admission",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
	)

	FeedsDiscovered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "feeds_discovered",
			Help: "Number of feeds discovered in the selected folder",
		},
	)
	FeedsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feeds_completed_total",
			Help: "Total number of feeds that reached completion",
		},
	)
)

// InitMetrics registers every collector with the default registry.
// Call it once per process; duplicate registration panics.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RowsReconciledTotal,
		CatalogRequestsTotal,
		CatalogRequestDuration,
		JobsEnqueuedTotal,
		JobDeliveriesTotal,
		JobsProcessing,
		RateGateWaitSeconds,
		FeedsDiscovered,
		FeedsCompletedTotal,
	)
}

// HTTPMetricsMiddleware records request count and latency per route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := requestRoute(r)
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())
	})
}

// requestRoute prefers the chi route pattern so label cardinality stays
// bounded; the raw path appears only for requests outside the router.
func requestRoute(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// ObserveRow records one reconciled row.
func ObserveRow(feed, outcome string) {
	RowsReconciledTotal.WithLabelValues(feed, outcome).Inc()
}

// ObserveCatalogRequest records one remote catalog call.
func ObserveCatalogRequest(operation, status string, dur time.Duration) {
	CatalogRequestsTotal.WithLabelValues(operation, status).Inc()
	CatalogRequestDuration.WithLabelValues(operation).Observe(dur.Seconds())
}

// EnqueueJob records one enqueued batch job.
func EnqueueJob(feed string) {
	JobsEnqueuedTotal.WithLabelValues(feed).Inc()
}

// JobEvent records a delivery state transition. The in-flight gauge is
// maintained by the consumer around handler execution, not here, so
// states like "deferred" and "retry" do not skew it.
func JobEvent(state string) {
	JobDeliveriesTotal.WithLabelValues(state).Inc()
}
