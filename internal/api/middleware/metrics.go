// metrics.go registers the HTTP metrics (cs_http_requests_total,
// cs_http_request_duration_seconds) and exports the domain metrics the
// service layer updates.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cs_http_requests_total",
			Help: "HTTP requests served by the custody store.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cs_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Domain metrics, updated from the service layer.
var (
	// EvidenceTotal is the number of catalog records per status.
	EvidenceTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cs_evidence_total",
			Help: "Evidence records in the catalog by status.",
		},
		[]string{"status"},
	)

	// OperationsTotal counts service operations by outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cs_operations_total",
			Help: "Custody store operations by result.",
		},
		[]string{"operation", "result"},
	)

	// PinAttemptsTotal counts individual backend pin attempts.
	PinAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cs_pin_attempts_total",
			Help: "Pin attempts against the pinning backend by result.",
		},
		[]string{"result"},
	)

	// BackendDuration observes single backend calls.
	BackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cs_backend_duration_seconds",
			Help:    "Pinning backend call latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// IntegrityFailuresTotal counts content that no longer hashes to its CID.
	IntegrityFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cs_integrity_failures_total",
			Help: "Retrievals whose content did not match the recorded CID.",
		},
	)

	// LedgerAppendsTotal counts custody events by kind.
	LedgerAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cs_ledger_appends_total",
			Help: "Custody events appended by kind.",
		},
		[]string{"kind"},
	)
)

// MetricsMiddleware records request count and latency per route pattern.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			path := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// routePattern returns the matched chi pattern (/api/v1/evidence/{cid})
// so CIDs never become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the original writer.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
