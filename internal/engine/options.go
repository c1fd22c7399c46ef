package engine

import (
	"time"

	"github.com/snapvault/backend/internal/obs"
	"github.com/snapvault/backend/internal/retry"
)

// Option is a functional option for configuring a [Manager].
type Option func(*options)

type options struct {
	retryPolicy          retry.Policy
	quarantineAfter      int
	sweepInterval        time.Duration
	maxConcurrentResumes int64
	clock                func() time.Time
	metrics              *obs.EngineMetrics
}

func newOptions() *options {
	return &options{
		retryPolicy: retry.Policy{
			MaxTries: retry.Unbounded,
			MinDelay: time.Second,
			MaxDelay: 60 * time.Second,
		},
		quarantineAfter:      3,
		sweepInterval:        time.Minute,
		maxConcurrentResumes: 4,
		clock:                time.Now,
	}
}

// WithRetryPolicy sets the backoff policy applied between failed attempts.
// The default is unbounded tries with delays from 1s to 60s; the quarantine
// threshold bounds total failures regardless of MaxTries.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) {
		o.retryPolicy = p
	}
}

// WithQuarantineAfter sets how many consecutive failed attempts quarantine an
// operation. The default is 3.
func WithQuarantineAfter(n int) Option {
	return func(o *options) {
		o.quarantineAfter = n
	}
}

// WithSweepInterval sets how often Run scans for abandoned operation locks.
// The default is one minute.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = d
	}
}

// WithMaxConcurrentResumes bounds how many abandoned-lock resumptions run at
// once. The default is 4.
func WithMaxConcurrentResumes(n int64) Option {
	return func(o *options) {
		o.maxConcurrentResumes = n
	}
}

// WithClock sets a custom clock function. Defaults to [time.Now]. This is
// useful for controlling time in tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithMetrics attaches an engine metric bundle.
func WithMetrics(m *obs.EngineMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
