package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snapvault/backend/internal/retry"
	"github.com/snapvault/backend/internal/store"
)

// StartRenewal extends the lock's expiration on a periodic heartbeat until
// ctx is cancelled or ownership is lost. It returns a channel that reports
// the terminal condition and then closes:
//
//   - ErrNotOwner: the lock expired and was taken over; the holder must stop
//     mutating the resource.
//   - nil close after ctx cancellation: clean shutdown.
//
// Transient store failures are retried within one heartbeat; sustained
// failure simply lets the lock lapse and become abandonable, which is the
// designed crash-recovery path. Non-expiring locks need no renewal and the
// returned channel closes immediately.
func (m *Manager) StartRenewal(ctx context.Context, l *Lock) <-chan error {
	done := make(chan error, 1)

	if l.Expiration.IsZero() {
		close(done)
		return done
	}

	policy := retry.Policy{
		MaxTries: 3,
		MinDelay: 100 * time.Millisecond,
		MaxDelay: time.Second,
		RetryOn: func(err error) bool {
			return store.IsTransient(err) && !errors.Is(err, store.ErrConditionFailed)
		},
	}

	logger := m.logger.
		WithField("resource", l.ID()).
		WithField("owner", l.OwnerID)

	go func() {
		defer close(done)

		t := time.NewTicker(m.opts.renewalInterval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				err := retry.Do(ctx, policy, func(ctx context.Context) error {
					return m.renewOnce(ctx, l)
				})

				switch {
				case err == nil:
					m.countRenew("success")
				case errors.Is(err, store.ErrConditionFailed):
					// Another owner took over; the lease is dead.
					m.countRenew("lost")
					logger.Warn("lock renewal lost ownership")
					done <- fmt.Errorf("lock %s: %w", l.ID(), ErrNotOwner)
					return
				case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
					return
				default:
					m.countRenew("error")
					logger.WithField("error", err.Error()).Warn("lock renewal failed; lock may lapse")
				}
			}
		}
	}()

	return done
}

func (m *Manager) renewOnce(ctx context.Context, l *Lock) error {
	expiration := m.opts.clock().Add(m.opts.abandonmentTTL)

	_, err := m.st.Update(ctx, Key(l.ResourceType, l.ResourceID), []store.Update{
		{Name: expiresAttr, Action: store.ActionPut, Value: expiration.Unix()},
	}, []store.Expect{{Name: ownerAttr, Value: l.OwnerID}})
	if err != nil {
		return err
	}

	l.Expiration = expiration

	return nil
}

func (m *Manager) countRenew(result string) {
	if m.metrics != nil {
		m.metrics.RenewTotal.WithLabelValues(result).Inc()
	}
}
