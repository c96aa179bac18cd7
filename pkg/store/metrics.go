package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ssargent/ctxstore/pkg/codec"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Metrics holds the Prometheus collectors of a store. A nil *Metrics records nothing.
type Metrics struct {
	appendsTotal      *prometheus.CounterVec
	appendBytesTotal  *prometheus.CounterVec
	appendDuration    *prometheus.HistogramVec
	lockWaitDuration  *prometheus.HistogramVec
	lockTimeoutsTotal *prometheus.CounterVec
	staleLocksTotal   *prometheus.CounterVec
	tornTailsTotal    *prometheus.CounterVec
	piiFindingsTotal  *prometheus.CounterVec
	diagnosticsTotal  *prometheus.CounterVec
	readsTotal        *prometheus.CounterVec
	healthChecksTotal *prometheus.CounterVec
	fileSizeBytes     *prometheus.GaugeVec
}

// NewMetrics creates the store collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		appendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_appends_total",
				Help: "Total number of record appends",
			},
			[]string{"category", "status"},
		),
		appendBytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_append_bytes_total",
				Help: "Bytes appended to category logs",
			},
			[]string{"category"},
		),
		appendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctxstore_append_duration_seconds",
				Help:    "Append duration including lock acquisition",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		lockWaitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctxstore_lock_wait_seconds",
				Help:    "Time spent acquiring file locks",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"category"},
		),
		lockTimeoutsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_lock_timeouts_total",
				Help: "Lock acquisitions that timed out",
			},
			[]string{"category"},
		),
		staleLocksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_stale_locks_recovered_total",
				Help: "Abandoned locks cleared before writing",
			},
			[]string{"category"},
		),
		tornTailsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_torn_tails_truncated_total",
				Help: "Unterminated fragments removed by writers",
			},
			[]string{"category"},
		),
		piiFindingsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_pii_findings_total",
				Help: "Sensitive values detected on write",
			},
			[]string{"category", "pii_category"},
		),
		diagnosticsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_diagnostics_total",
				Help: "Parse and compile diagnostics",
			},
			[]string{"category", "code"},
		),
		readsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_reads_total",
				Help: "Readers opened",
			},
			[]string{"category", "strategy"},
		),
		healthChecksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctxstore_health_checks_total",
				Help: "Health checks by resulting status",
			},
			[]string{"status"},
		),
		fileSizeBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ctxstore_file_size_bytes",
				Help: "Size of category logs after the last append",
			},
			[]string{"category"},
		),
	}
}

func (m *Metrics) recordAppend(category string, err error, bytes int, size int64, d time.Duration) {
	if m == nil {
		return
	}
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	m.appendsTotal.WithLabelValues(category, status).Inc()
	m.appendDuration.WithLabelValues(category).Observe(d.Seconds())
	if err == nil {
		m.appendBytesTotal.WithLabelValues(category).Add(float64(bytes))
		m.fileSizeBytes.WithLabelValues(category).Set(float64(size))
	}
}

func (m *Metrics) recordLockWait(category string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWaitDuration.WithLabelValues(category).Observe(d.Seconds())
}

func (m *Metrics) recordLockTimeout(category string) {
	if m == nil {
		return
	}
	m.lockTimeoutsTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) recordStaleLock(category string) {
	if m == nil {
		return
	}
	m.staleLocksTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) recordTornTail(category string) {
	if m == nil {
		return
	}
	m.tornTailsTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) recordFindings(category string, findings []codec.Finding) {
	if m == nil {
		return
	}
	for _, f := range findings {
		m.piiFindingsTotal.WithLabelValues(category, string(f.Category)).Inc()
	}
}

func (m *Metrics) recordDiagnostics(category string, diags []codec.Diagnostic) {
	if m == nil {
		return
	}
	for _, d := range diags {
		m.diagnosticsTotal.WithLabelValues(category, string(d.Code)).Inc()
	}
}

func (m *Metrics) recordRead(category string, s Strategy) {
	if m == nil {
		return
	}
	m.readsTotal.WithLabelValues(category, string(s)).Inc()
}

func (m *Metrics) recordHealth(status Status) {
	if m == nil {
		return
	}
	m.healthChecksTotal.WithLabelValues(string(status)).Inc()
}
