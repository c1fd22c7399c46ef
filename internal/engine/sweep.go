package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/snapvault/backend/internal/lock"
)

// Sweep finds operation locks abandoned by crashed workers and resumes the
// work they were guarding. Resumptions run concurrently, bounded by the
// configured limit; each one re-enters Dispatch, which adopts the abandoned
// lock and carries on from the operation's checkpoint.
func (m *Manager) Sweep(ctx context.Context) error {
	if m.metrics != nil {
		m.metrics.SweepsTotal.Inc()
	}

	return m.locks.ScanAbandoned(ctx, opResource, func(ctx context.Context, l *lock.Lock) error {
		userID, err := strconv.ParseInt(l.ResourceID, 10, 64)
		if err != nil {
			m.logger.WithField("resource", l.ID()).Error("abandoned operation lock has malformed user id; skipping")
			return nil
		}

		if err := m.sweepSem.Acquire(ctx, 1); err != nil {
			return err
		}

		if m.metrics != nil {
			m.metrics.SweepResumed.Inc()
		}

		m.logger.
			WithField("user_id", userID).
			WithField("op_id", l.ResourceData).
			Info("resuming operations behind abandoned lock")

		go func() {
			defer m.sweepSem.Release(1)

			if err := m.Dispatch(ctx, userID, l.ResourceData); err != nil {
				m.logger.WithField("user_id", userID).WithField("error", err.Error()).Error("sweep dispatch failed")
			}
		}()

		return nil
	})
}

// Run sweeps immediately and then on the configured interval until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
		m.logger.WithField("error", err.Error()).Error("sweep failed")
	}

	t := time.NewTicker(m.opts.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.WithField("error", err.Error()).Error("sweep failed")
			}
		}
	}
}

// String renders an outcome kind for logs and tests.
func (k OutcomeKind) String() string {
	switch k {
	case Done:
		return "done"
	case AbortedCleanly:
		return "aborted_cleanly"
	case FailedAfterMutation:
		return "failed_after_mutation"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}
