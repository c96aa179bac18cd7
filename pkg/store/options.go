package store

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/lock"
	"github.com/ssargent/ctxstore/pkg/security"
)

// DefaultStreamThreshold is the file size from which readers stream instead of loading
const DefaultStreamThreshold int64 = 10 << 20

// Limits bounds what the writer produces and the reader accepts
type Limits struct {
	MaxFieldBytes int
	MaxLineBytes  int
	// HardLineBytes is shared by writer and reader; zero means codec.DefaultHardLineBytes
	HardLineBytes int
	MaxFileBytes  int64
}

type options struct {
	logger           *slog.Logger
	metrics          *Metrics
	mode             codec.Mode
	allowPartialTail bool
	limits           Limits
	lockConfig       lock.Config
	lockOptions      []lock.Option
	redactor         *security.Redactor
	plainKeys        []string
	gapPolicy        GapPolicy
	streamThreshold  int64
	healthWorkers    int
	createRoot       bool
}

func defaultOptions() options {
	return options{
		logger:          slog.Default(),
		mode:            codec.Lenient,
		lockConfig:      lock.DefaultConfig(),
		gapPolicy:       GapTolerate,
		streamThreshold: DefaultStreamThreshold,
		healthWorkers:   4,
	}
}

// Option configures a Store
type Option func(*options)

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records store activity in m
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRegisterer creates store metrics registered with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.metrics = NewMetrics(reg) }
}

// WithParseMode sets how readers treat malformed lines
func WithParseMode(m codec.Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithPartialTail lets readers drop an unterminated final fragment with a
// diagnostic instead of failing
func WithPartialTail(allow bool) Option {
	return func(o *options) { o.allowPartialTail = allow }
}

// WithLimits sets line, field and file limits
func WithLimits(l Limits) Option {
	return func(o *options) { o.limits = l }
}

// WithLockConfig tunes lock acquisition
func WithLockConfig(c lock.Config) Option {
	return func(o *options) { o.lockConfig = c }
}

// WithLockOptions passes options to the lock manager
func WithLockOptions(opts ...lock.Option) Option {
	return func(o *options) { o.lockOptions = append(o.lockOptions, opts...) }
}

// WithRedactor sets how sensitive data is handled on write
func WithRedactor(r *security.Redactor) Option {
	return func(o *options) { o.redactor = r }
}

// WithPlainKeys lists extra field keys that are never scanned for sensitive data
func WithPlainKeys(keys ...string) Option {
	return func(o *options) { o.plainKeys = append(o.plainKeys, keys...) }
}

// WithGapPolicy sets how the health check grades sequence gaps
func WithGapPolicy(p GapPolicy) Option {
	return func(o *options) { o.gapPolicy = p }
}

// WithStreamThreshold sets the size from which readers stream
func WithStreamThreshold(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.streamThreshold = n
		}
	}
}

// WithHealthWorkers bounds how many files the health check inspects at once
func WithHealthWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.healthWorkers = n
		}
	}
}

// WithCreateRoot creates the root directory if it does not exist
func WithCreateRoot() Option {
	return func(o *options) { o.createRoot = true }
}

func (o options) hardLineBytes() int {
	if o.limits.HardLineBytes > 0 {
		return o.limits.HardLineBytes
	}
	return codec.DefaultHardLineBytes
}
