package obs

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics tracks operation throughput for the scheduler.
type EngineMetrics struct {
	OpsTotal         *prometheus.CounterVec // result=success|failure|aborted|quarantined
	RetriesTotal     prometheus.Counter
	SweepsTotal      prometheus.Counter
	SweepResumed     prometheus.Counter
	OpLatencySeconds prometheus.Histogram
	PendingDispatch  prometheus.Gauge
}

// NewEngineMetrics creates and registers the engine metric bundle against reg.
// Pass nil to register against the default prometheus registerer.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &EngineMetrics{
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "op_executions_total",
				Help: "Total operation executions by result",
			},
			[]string{"result"},
		),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "op_retries_total",
			Help: "Total operation retry attempts",
		}),
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "op_sweeps_total",
			Help: "Total abandoned-lock sweep passes",
		}),
		SweepResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "op_sweep_resumed_total",
			Help: "Total operations resumed by the abandoned-lock sweep",
		}),
		OpLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "op_latency_seconds",
			Help:    "End-to-end operation execution latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~16s
		}),
		PendingDispatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "op_dispatch_in_flight",
			Help: "Dispatch loops currently running",
		}),
	}

	reg.MustRegister(
		m.OpsTotal,
		m.RetriesTotal,
		m.SweepsTotal,
		m.SweepResumed,
		m.OpLatencySeconds,
		m.PendingDispatch,
	)

	return m
}

// LockMetrics tracks lock manager activity.
type LockMetrics struct {
	AcquireTotal *prometheus.CounterVec // result=acquired|acquired_abandoned|failed
	ReleaseTotal *prometheus.CounterVec // result=success|not_owner
	RenewTotal   *prometheus.CounterVec // result=success|lost|error
}

// NewLockMetrics creates and registers the lock metric bundle against reg.
// Pass nil to register against the default prometheus registerer.
func NewLockMetrics(reg prometheus.Registerer) *LockMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &LockMetrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_acquire_total",
				Help: "Total lock acquire attempts by result",
			},
			[]string{"result"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_release_total",
				Help: "Total lock release attempts by result",
			},
			[]string{"result"},
		),
		RenewTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_renew_total",
				Help: "Total lock renewal attempts by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(m.AcquireTotal, m.ReleaseTotal, m.RenewTotal)

	return m
}
