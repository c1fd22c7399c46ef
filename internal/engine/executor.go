package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/snapvault/backend/internal/idalloc"
	"github.com/snapvault/backend/internal/notify"
	"github.com/snapvault/backend/internal/obs"
	"github.com/snapvault/backend/internal/store"
)

// OutcomeKind classifies how one execution attempt ended.
type OutcomeKind int

const (
	// Done means every phase completed and the operation is finished.
	Done OutcomeKind = iota

	// AbortedCleanly means Check failed before any checkpoint was
	// persisted and before any mutation: the store is untouched and the
	// operation must not be retried. This is the permanent/client-error
	// exit.
	AbortedCleanly

	// FailedAfterMutation means the attempt failed after the checkpoint
	// was persisted. Durable state may be partially mutated; the
	// operation must be resumed from its checkpoint.
	FailedAfterMutation
)

// Outcome is the explicit result of one execution attempt.
type Outcome struct {
	Kind      OutcomeKind
	Retryable bool // meaningful only for FailedAfterMutation
	Err       error
}

func done() Outcome {
	return Outcome{Kind: Done}
}

func aborted(err error) Outcome {
	return Outcome{Kind: AbortedCleanly, Err: err}
}

func failed(err error, retryable bool) Outcome {
	return Outcome{Kind: FailedAfterMutation, Retryable: retryable, Err: err}
}

// Executor drives an operation's phases against its handler, enforcing that
// the checkpoint is persisted before the first mutation. It owns the
// operation row's checkpoint; nothing else writes it.
type Executor struct {
	st        store.Store
	ids       *idalloc.Allocator
	publisher notify.Publisher
	logger    obs.Logger
	clock     func() time.Time
}

// NewExecutor creates an Executor. publisher may be nil, in which case
// Notify-phase publishes are dropped.
func NewExecutor(st store.Store, ids *idalloc.Allocator, publisher notify.Publisher, logger obs.Logger) *Executor {
	if logger == nil {
		logger = obs.NopLogger{}
	}

	return &Executor{
		st:        st,
		ids:       ids,
		publisher: publisher,
		logger:    logger.WithField("component", "executor"),
		clock:     time.Now,
	}
}

// Execute runs one attempt of op against h. Phase sequence is
// Check -> Update -> Account -> Notify -> Done. When op already carries a
// checkpoint the attempt is a resume: Check restores its decisions from the
// checkpoint and the mutation phases re-run idempotently.
func (e *Executor) Execute(ctx context.Context, op *Operation, h Handler) Outcome {
	logger := e.logger.
		WithField("user_id", op.UserID).
		WithField("op_id", op.OpID).
		WithField("method", op.Method)

	tx := &Txn{Op: op, st: e.st, ids: e.ids, publisher: e.publisher}

	resumed := op.Checkpoint != nil

	cp, err := h.Check(ctx, tx, op.Checkpoint)

	// The Check phase must never write; a handler that does has broken the
	// checkpoint-then-mutate discipline and cannot be safely retried.
	if tx.Mutations() > 0 {
		return failed(fmt.Errorf("handler %s mutated state during check phase", h.Method()), false)
	}

	if err != nil {
		if resumed {
			// The checkpoint exists, so a prior attempt may have
			// mutated state. Restoring must keep working until the
			// operation completes.
			return failed(fmt.Errorf("check phase failed on resume: %w", err), true)
		}
		return aborted(err)
	}

	if !resumed {
		if cp == nil {
			return aborted(NewClientError(CodeInvalidArgs, "handler %s produced no checkpoint", h.Method()))
		}

		// Persist the checkpoint before the first mutation. Failing
		// here still leaves the store untouched by this operation's
		// effects, but the write itself is transient, so retry.
		if err := e.saveCheckpoint(ctx, op, cp); err != nil {
			return failed(err, true)
		}

		logger.Debug("checkpoint persisted")
	} else if cp == nil {
		cp = op.Checkpoint
	}

	if err := h.Update(ctx, tx, cp); err != nil {
		return failed(fmt.Errorf("update phase failed: %w", err), !IsClientError(err))
	}

	if err := h.Account(ctx, tx, cp); err != nil {
		return failed(fmt.Errorf("account phase failed: %w", err), !IsClientError(err))
	}

	if err := h.Notify(ctx, tx, cp); err != nil {
		return failed(fmt.Errorf("notify phase failed: %w", err), !IsClientError(err))
	}

	if err := e.markDone(ctx, op); err != nil {
		return failed(err, true)
	}

	logger.Debug("operation complete")

	return done()
}

func (e *Executor) saveCheckpoint(ctx context.Context, op *Operation, cp *Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint for %s: %w", op.OpID, err)
	}

	_, err = e.st.Update(ctx, opKey(op.UserID, op.OpID), []store.Update{
		{Name: checkpointAttr, Action: store.ActionPut, Value: b},
	}, []store.Expect{{Absent: false}})
	if err != nil {
		return fmt.Errorf("failed to persist checkpoint for %s: %w", op.OpID, err)
	}

	op.Checkpoint = cp

	return nil
}

func (e *Executor) markDone(ctx context.Context, op *Operation) error {
	now := e.clock()

	_, err := e.st.Update(ctx, opKey(op.UserID, op.OpID), []store.Update{
		{Name: doneAttr, Action: store.ActionPut, Value: true},
		{Name: doneAtAttr, Action: store.ActionPut, Value: now.Unix()},
	}, []store.Expect{{Absent: false}})
	if err != nil {
		return fmt.Errorf("failed to mark operation %s done: %w", op.OpID, err)
	}

	op.Done = true
	op.DoneAt = now

	return nil
}
