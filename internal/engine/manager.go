package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/snapvault/backend/internal/lock"
	"github.com/snapvault/backend/internal/obs"
	"github.com/snapvault/backend/internal/store"
)

// opResource is the lock resource type guarding per-user operation queues.
const opResource = "op"

// Manager is the operation scheduler. It serializes execution per user by
// acquiring the user's operation lock before running anything, applies the
// retry policy between failed attempts, quarantines operations that exhaust
// their budget, and periodically sweeps for operations whose lock was
// abandoned by a crashed worker.
type Manager struct {
	st      store.Store
	locks   *lock.Manager
	exec    *Executor
	logger  obs.Logger
	metrics *obs.EngineMetrics
	opts    *options

	mu       sync.RWMutex
	handlers map[string]Handler

	sweepSem *semaphore.Weighted
}

// NewManager creates a Manager. The executor carries the store, id allocator
// and notification publisher the handlers run against.
func NewManager(st store.Store, locks *lock.Manager, exec *Executor, logger obs.Logger, opts ...Option) *Manager {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	if logger == nil {
		logger = obs.NopLogger{}
	}

	exec.clock = options.clock

	return &Manager{
		st:       st,
		locks:    locks,
		exec:     exec,
		logger:   logger.WithField("component", "opmanager"),
		metrics:  options.metrics,
		opts:     options,
		handlers: make(map[string]Handler),
		sweepSem: semaphore.NewWeighted(options.maxConcurrentResumes),
	}
}

// Register adds a handler for its method name. Registering two handlers for
// one method is a programming error.
func (m *Manager) Register(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handlers[h.Method()]; ok {
		panic(fmt.Sprintf("engine: duplicate handler for method %s", h.Method()))
	}

	m.handlers[h.Method()] = h
}

func (m *Manager) handler(method string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[method]
}

// Submit admits an operation. The operation id is client-chosen (encoded from
// the originating device and its local sequence); submitting the same id
// twice is a no-op that returns the already-recorded operation with created
// false. Submission does not execute the operation; call Dispatch.
func (m *Manager) Submit(ctx context.Context, userID int64, opID, method string, args []byte) (*Operation, bool, error) {
	if m.handler(method) == nil {
		return nil, false, NewClientError(CodeUnregistered, "no handler registered for method %s", method)
	}

	op := &Operation{
		UserID: userID,
		OpID:   opID,
		Method: method,
		Args:   args,
	}

	return admit(ctx, m.st, op)
}

// Dispatch drains the user's pending operations under the user's operation
// lock. triggerOpID is stored as the lock's resource data so a sweeper that
// finds the lock abandoned knows what was in flight. Contention is not an
// error: if another worker holds the lock, its drain loop will pick up
// whatever this call wanted to run.
func (m *Manager) Dispatch(ctx context.Context, userID int64, triggerOpID string) error {
	if m.metrics != nil {
		m.metrics.PendingDispatch.Inc()
		defer m.metrics.PendingDispatch.Dec()
	}

	l, status, err := m.locks.TryAcquire(ctx, opResource, strconv.FormatInt(userID, 10), triggerOpID, true)
	if err != nil {
		return fmt.Errorf("failed to acquire operation lock for user %d: %w", userID, err)
	}

	if status == lock.Failed {
		m.logger.WithField("user_id", userID).Debug("operation lock contended; deferring to current holder")
		return nil
	}

	// Cancel execution if renewal reports the lock lost; release on every
	// exit path, detached from the (possibly cancelled) caller context.
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewCh := m.locks.StartRenewal(execCtx, l)

	go func() {
		if err, ok := <-renewCh; ok && err != nil {
			cancel()
		}
	}()

	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer releaseCancel()

		if err := m.locks.Release(releaseCtx, l); err != nil && !errors.Is(err, lock.ErrNotOwner) {
			m.logger.WithField("user_id", userID).WithField("error", err.Error()).Warn("failed to release operation lock")
		}
	}()

	for {
		op, err := m.nextPending(execCtx, userID)
		if err != nil {
			return err
		}
		if op == nil {
			return nil
		}

		if err := m.runOp(execCtx, op); err != nil && execCtx.Err() != nil {
			return err
		}
	}
}

// nextPending returns the user's lowest-id runnable operation: not done, not
// quarantined, and past any persisted backoff.
func (m *Manager) nextPending(ctx context.Context, userID int64) (*Operation, error) {
	q := store.Query{Hash: userHash(userID), RangePrefix: opRangePrefix, Limit: 32}
	now := m.opts.clock()

	for {
		rows, next, err := m.st.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to list operations for user %d: %w", userID, err)
		}

		for _, row := range rows {
			op, err := opFromRow(userID, row)
			if err != nil {
				m.logger.WithField("user_id", userID).WithField("error", err.Error()).Error("skipping unreadable operation row")
				continue
			}

			if op.Done || op.Quarantine {
				continue
			}
			if !op.Backoff.IsZero() && now.Before(op.Backoff) {
				continue
			}

			return op, nil
		}

		if next == nil {
			return nil, nil
		}

		q.StartKey = next
	}
}

// runOp executes one operation to completion, quarantine, or deferral,
// retrying failed attempts with the configured backoff. The caller must hold
// the user's operation lock.
func (m *Manager) runOp(ctx context.Context, op *Operation) error {
	h := m.handler(op.Method)
	if h == nil {
		// Method from a newer (or older) worker build. Leave the row
		// for a worker that knows it, but don't spin on it.
		return m.deferOp(ctx, op, fmt.Sprintf("no handler for method %s", op.Method))
	}

	logger := m.logger.
		WithField("user_id", op.UserID).
		WithField("op_id", op.OpID).
		WithField("method", op.Method)

	for attempt := 1; ; attempt++ {
		if err := m.bumpAttempts(ctx, op); err != nil {
			return err
		}

		start := time.Now()
		out := m.exec.Execute(ctx, op, h)

		if m.metrics != nil {
			m.metrics.OpLatencySeconds.Observe(time.Since(start).Seconds())
		}

		switch out.Kind {
		case Done:
			m.countOp("success")
			return nil

		case AbortedCleanly:
			// Nothing was persisted; the request itself is bad.
			// Record the cause and close the row out.
			logger.WithField("error", out.Err.Error()).Info("operation aborted cleanly")
			m.countOp("aborted")
			return m.closeAborted(ctx, op, out.Err)

		case FailedAfterMutation:
			delay := m.opts.retryPolicy.Delay(int(op.Attempts))

			if err := m.recordFailure(ctx, op, out.Err, m.opts.clock().Add(delay)); err != nil {
				return err
			}

			if !out.Retryable || op.Attempts >= int64(m.opts.quarantineAfter) {
				logger.WithField("attempts", op.Attempts).WithField("error", out.Err.Error()).Error("operation quarantined")
				m.countOp("quarantined")
				return m.setQuarantine(ctx, op)
			}

			if m.opts.retryPolicy.MaxTries != 0 && attempt >= m.opts.retryPolicy.MaxTries {
				// Out of in-process budget; the persisted backoff
				// lets a later dispatch carry on.
				logger.WithField("attempts", op.Attempts).Warn("deferring operation after exhausting in-process retries")
				return nil
			}

			if m.metrics != nil {
				m.metrics.RetriesTotal.Inc()
			}

			logger.WithField("attempts", op.Attempts).WithField("error", out.Err.Error()).Warn("operation attempt failed; retrying")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

		default:
			return fmt.Errorf("unknown outcome kind %d for operation %s", out.Kind, op.OpID)
		}
	}
}

// ForceRetry clears an operation's quarantine flag and backoff and runs it
// again. Operator action; attempts keep counting up.
func (m *Manager) ForceRetry(ctx context.Context, userID int64, opID string) error {
	op, err := Load(ctx, m.st, userID, opID)
	if err != nil {
		return fmt.Errorf("failed to load operation %s: %w", opID, err)
	}

	if op.Done {
		return NewClientError(CodeInvalidArgs, "operation %s is already done", opID)
	}

	_, err = m.st.Update(ctx, opKey(userID, opID), []store.Update{
		{Name: quarantineAttr, Action: store.ActionDelete},
		{Name: backoffAttr, Action: store.ActionDelete},
	}, []store.Expect{{Absent: false}})
	if err != nil {
		return fmt.Errorf("failed to clear quarantine on %s: %w", opID, err)
	}

	return m.Dispatch(ctx, userID, opID)
}

func (m *Manager) bumpAttempts(ctx context.Context, op *Operation) error {
	item, err := m.st.Update(ctx, opKey(op.UserID, op.OpID), []store.Update{
		{Name: attemptsAttr, Action: store.ActionAdd, Value: int64(1)},
	}, []store.Expect{{Absent: false}})
	if err != nil {
		return fmt.Errorf("failed to count attempt on %s: %w", op.OpID, err)
	}

	op.Attempts = store.Int64Attr(item, attemptsAttr)

	return nil
}

func (m *Manager) recordFailure(ctx context.Context, op *Operation, cause error, backoff time.Time) error {
	f := &Failure{At: m.opts.clock(), Cause: cause.Error()}

	updates := []store.Update{
		{Name: lastFailureAttr, Action: store.ActionPut, Value: failureAttr(f)},
		{Name: backoffAttr, Action: store.ActionPut, Value: backoff.Unix()},
	}

	if op.FirstFailure == nil {
		op.FirstFailure = f
		updates = append(updates, store.Update{Name: firstFailureAttr, Action: store.ActionPut, Value: failureAttr(f)})
	}

	op.LastFailure = f
	op.Backoff = backoff

	if _, err := m.st.Update(ctx, opKey(op.UserID, op.OpID), updates, []store.Expect{{Absent: false}}); err != nil {
		return fmt.Errorf("failed to record failure on %s: %w", op.OpID, err)
	}

	return nil
}

func (m *Manager) setQuarantine(ctx context.Context, op *Operation) error {
	_, err := m.st.Update(ctx, opKey(op.UserID, op.OpID), []store.Update{
		{Name: quarantineAttr, Action: store.ActionPut, Value: true},
	}, []store.Expect{{Absent: false}})
	if err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", op.OpID, err)
	}

	op.Quarantine = true

	return nil
}

// closeAborted marks a cleanly-aborted operation done with its failure
// recorded, so the row stays as an audit record without ever re-running.
func (m *Manager) closeAborted(ctx context.Context, op *Operation, cause error) error {
	f := &Failure{At: m.opts.clock(), Cause: cause.Error()}

	_, err := m.st.Update(ctx, opKey(op.UserID, op.OpID), []store.Update{
		{Name: doneAttr, Action: store.ActionPut, Value: true},
		{Name: doneAtAttr, Action: store.ActionPut, Value: f.At.Unix()},
		{Name: lastFailureAttr, Action: store.ActionPut, Value: failureAttr(f)},
	}, []store.Expect{{Absent: false}})
	if err != nil {
		return fmt.Errorf("failed to close aborted operation %s: %w", op.OpID, err)
	}

	op.Done = true
	op.DoneAt = f.At
	op.LastFailure = f

	return nil
}

// deferOp pushes an operation's backoff out without counting an attempt.
func (m *Manager) deferOp(ctx context.Context, op *Operation, reason string) error {
	backoff := m.opts.clock().Add(m.opts.retryPolicy.Delay(1))

	m.logger.
		WithField("op_id", op.OpID).
		WithField("reason", reason).
		Warn("deferring operation")

	_, err := m.st.Update(ctx, opKey(op.UserID, op.OpID), []store.Update{
		{Name: backoffAttr, Action: store.ActionPut, Value: backoff.Unix()},
	}, []store.Expect{{Absent: false}})
	if err != nil {
		return fmt.Errorf("failed to defer operation %s: %w", op.OpID, err)
	}

	op.Backoff = backoff

	return nil
}

func (m *Manager) countOp(result string) {
	if m.metrics != nil {
		m.metrics.OpsTotal.WithLabelValues(result).Inc()
	}
}
