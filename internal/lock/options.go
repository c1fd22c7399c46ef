package lock

import (
	"time"

	"github.com/snapvault/backend/internal/obs"
)

// Option is a functional option for configuring a [Manager].
type Option func(*options)

type options struct {
	abandonmentTTL  time.Duration
	renewalInterval time.Duration
	clock           func() time.Time
	metrics         *obs.LockMetrics
}

func newOptions() *options {
	return &options{
		abandonmentTTL:  60 * time.Second,
		renewalInterval: 20 * time.Second,
		clock:           time.Now,
	}
}

// WithAbandonmentTTL sets how long a lock acquired with abandonment detection
// stays live without renewal. The default is 60 seconds.
func WithAbandonmentTTL(d time.Duration) Option {
	return func(o *options) {
		o.abandonmentTTL = d
	}
}

// WithRenewalInterval sets the renewal heartbeat period. It must be shorter
// than the abandonment TTL so a healthy holder always renews before lapsing.
// The default is 20 seconds.
func WithRenewalInterval(d time.Duration) Option {
	return func(o *options) {
		o.renewalInterval = d
	}
}

// WithClock sets a custom clock function. Defaults to [time.Now]. This is
// useful for controlling time in tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithMetrics attaches a lock metric bundle.
func WithMetrics(m *obs.LockMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
