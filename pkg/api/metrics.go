package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ssargent/ctxstore/pkg/store"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Metrics holds the Prometheus metrics of the admin API. A nil *Metrics
// records nothing.
type Metrics struct {
	// HTTP request metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec

	// API key authentication metrics
	authRequestsTotal *prometheus.CounterVec

	// Store view metrics
	healthChecksTotal *prometheus.CounterVec
	rebuildsTotal     *prometheus.CounterVec
	categoryRecords   *prometheus.GaugeVec
	categoryLastSeq   *prometheus.GaugeVec
}

// NewMetrics creates the admin API metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_admin_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctxstore_admin_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		httpRequestsInFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ctxstore_admin_http_requests_in_flight",
				Help: "Number of admin HTTP requests currently being processed",
			},
			[]string{"method", "endpoint"},
		),

		authRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_admin_auth_requests_total",
				Help: "Total number of authentication attempts",
			},
			[]string{"status"},
		),

		healthChecksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_admin_health_checks_total",
				Help: "Health checks served, by resulting status",
			},
			[]string{"status"},
		),

		rebuildsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_admin_index_rebuilds_total",
				Help: "Index rebuilds requested through the admin API",
			},
			[]string{"status"},
		),

		categoryRecords: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ctxstore_admin_category_records",
				Help: "Records per category as of the last stats refresh",
			},
			[]string{"category"},
		),

		categoryLastSeq: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ctxstore_admin_category_last_seq",
				Help: "Last sequence number per category as of the last stats refresh",
			},
			[]string{"category"},
		),
	}

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	statusCodeStr := strconv.Itoa(statusCode)

	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCodeStr).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordAuthRequest records an authentication attempt
func (m *Metrics) RecordAuthRequest(success bool) {
	if m == nil {
		return
	}
	m.authRequestsTotal.WithLabelValues(outcome(success)).Inc()
}

// RecordHealthCheck records the status a health check produced
func (m *Metrics) RecordHealthCheck(status store.Status) {
	if m == nil {
		return
	}
	m.healthChecksTotal.WithLabelValues(string(status)).Inc()
}

// RecordRebuild records an index rebuild request
func (m *Metrics) RecordRebuild(success bool) {
	if m == nil {
		return
	}
	m.rebuildsTotal.WithLabelValues(outcome(success)).Inc()
}

// UpdateCategoryStats publishes the per-category gauges
func (m *Metrics) UpdateCategoryStats(summaries []*store.Summary) {
	if m == nil {
		return
	}
	for _, s := range summaries {
		m.categoryRecords.WithLabelValues(s.Category).Set(float64(s.Records))
		m.categoryLastSeq.WithLabelValues(s.Category).Set(float64(s.LastSeq))
	}
}

func outcome(success bool) string {
	if success {
		return statusSuccess
	}
	return statusError
}

// InstrumentHandler instruments an HTTP handler with metrics
func (m *Metrics) InstrumentHandler(method, endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Record request in flight
		gauge := m.httpRequestsInFlight.WithLabelValues(method, endpoint)
		gauge.Inc()
		defer gauge.Dec()

		// Create response writer wrapper to capture status code
		rw := wrap(w)

		handler(rw, r)

		m.RecordHTTPRequest(method, endpoint, rw.statusCode, time.Since(start))
	}
}

// InstrumentAuthMiddleware instruments the authentication middleware
func (m *Metrics) InstrumentAuthMiddleware(next func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return func(h http.Handler) http.Handler {
		auth := next(h)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hasAPIKey := r.Header.Get(apiKeyHeader) != ""

			rw := wrap(w)
			auth.ServeHTTP(rw, r)

			if hasAPIKey {
				m.RecordAuthRequest(rw.statusCode != http.StatusUnauthorized)
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
