package entity

import (
	"log/slog"
	"time"
)

// RetryPolicy bounds activation retries against a transiently failing
// journal.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

type options struct {
	idleTimeout     time.Duration
	retry           RetryPolicy
	snapshotter     Snapshotter
	metrics         Metrics
	log             *slog.Logger
	quarantineAfter int
	mailboxSize     int
	maxRestarts     int
}

func newOptions(opts ...Option) options {
	o := options{
		idleTimeout:     5 * time.Minute,
		retry:           RetryPolicy{MaxAttempts: 3, Backoff: 50 * time.Millisecond},
		metrics:         NopMetrics(),
		log:             slog.Default(),
		quarantineAfter: 3,
		mailboxSize:     64,
		maxRestarts:     3,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Manager.
type Option func(*options)

// WithIdleTimeout sets how long an entity may sit without commands before it
// is passivated. Zero or negative disables passivation.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithActivationRetry sets the retry policy for journal loads during
// activation.
func WithActivationRetry(maxAttempts int, backoff time.Duration) Option {
	return func(o *options) {
		if maxAttempts > 0 {
			o.retry = RetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff}
		}
	}
}

// WithSnapshotter enables the snapshot shortcut: save state on passivation,
// restore it on activation and replay only the tail.
func WithSnapshotter(s Snapshotter) Option {
	return func(o *options) { o.snapshotter = s }
}

// WithMetrics sets the instrumentation backend (default: nop).
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger sets the logger (default: slog.Default).
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithQuarantineAfter sets how many consecutive activation failures put an
// identity into quarantine. Zero disables quarantining.
func WithQuarantineAfter(n int) Option {
	return func(o *options) { o.quarantineAfter = n }
}

// WithMailboxSize sets the per-worker mailbox capacity.
func WithMailboxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.mailboxSize = n
		}
	}
}
