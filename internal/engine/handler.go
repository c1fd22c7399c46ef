package engine

import (
	"context"

	"github.com/snapvault/backend/internal/idalloc"
	"github.com/snapvault/backend/internal/notify"
	"github.com/snapvault/backend/internal/store"
)

// Handler implements the business logic of one operation method as four
// phases. The executor drives the phases in order and enforces the
// checkpoint-then-mutate discipline:
//
//   - Check runs read-only validation and, on first run (prior == nil),
//     computes every decision that later phases must replay identically and
//     returns it as a checkpoint. On resume (prior != nil) it must restore
//     its decisions from prior rather than recomputing them, since
//     concurrent state may have diverged since the crash. Check must not
//     write through the Txn; the executor rejects executions that do.
//
//   - Update applies exactly the mutations implied by the checkpoint.
//     Re-running Update with the same checkpoint must not re-apply effects
//     that already took.
//
//   - Account derives aggregate-counter deltas purely from the checkpoint,
//     so a retry recomputes identical deltas.
//
//   - Notify emits notifications. Delivery is at least once; Notify is
//     explicitly not required to be idempotent.
type Handler interface {
	// Method is the operation method name this handler serves.
	Method() string

	Check(ctx context.Context, tx *Txn, prior *Checkpoint) (*Checkpoint, error)
	Update(ctx context.Context, tx *Txn, cp *Checkpoint) error
	Account(ctx context.Context, tx *Txn, cp *Checkpoint) error
	Notify(ctx context.Context, tx *Txn, cp *Checkpoint) error
}

// Txn is the handle a handler uses to touch the outside world during one
// execution attempt. It wraps the store so the executor can count mutations
// (the Check-phase guard), and carries the id allocator and notification
// publisher.
type Txn struct {
	Op *Operation

	st        store.Store
	ids       *idalloc.Allocator
	publisher notify.Publisher
	mutations int
}

// Get reads an item. Reads are permitted in every phase.
func (t *Txn) Get(ctx context.Context, key store.Key, attrs []string) (store.Item, error) {
	return t.st.Get(ctx, key, attrs)
}

// Query reads rows within one hash key.
func (t *Txn) Query(ctx context.Context, q store.Query) ([]store.Row, *store.Key, error) {
	return t.st.Query(ctx, q)
}

// Put writes an item. Counts as a mutation.
func (t *Txn) Put(ctx context.Context, key store.Key, item store.Item, expect []store.Expect) error {
	t.mutations++
	return t.st.Put(ctx, key, item, expect)
}

// Update mutates attributes of an item. Counts as a mutation.
func (t *Txn) Update(ctx context.Context, key store.Key, updates []store.Update, expect []store.Expect) (store.Item, error) {
	t.mutations++
	return t.st.Update(ctx, key, updates, expect)
}

// Delete removes an item. Counts as a mutation.
func (t *Txn) Delete(ctx context.Context, key store.Key, expect []store.Expect) error {
	t.mutations++
	return t.st.Delete(ctx, key, expect)
}

// NextID allocates a unique id. Handlers must call this only during a first
// Check run and persist the result in the checkpoint; resumed runs reuse the
// checkpointed id.
func (t *Txn) NextID(ctx context.Context) (int64, error) {
	return t.ids.NextID(ctx)
}

// Publish emits a notification. Only the Notify phase should publish.
func (t *Txn) Publish(ctx context.Context, msg notify.Message) error {
	if t.publisher == nil {
		return nil
	}
	return t.publisher.Publish(ctx, msg)
}

// Mutations returns the number of writes issued through the Txn so far.
func (t *Txn) Mutations() int {
	return t.mutations
}
