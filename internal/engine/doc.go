// Package engine executes business-logic mutations as resumable, idempotent
// operations against an eventually-consistent key-value store.
//
// # Model
//
// Every mutation is recorded as an [Operation], keyed by (user, operation
// id), and executed by a [Handler] in four phases:
//
//	CHECK -> UPDATE -> ACCOUNT -> NOTIFY -> done
//
// The Check phase is read-only. On its first run it computes every decision
// later phases depend on and returns it as a [Checkpoint], which the
// [Executor] persists before the first mutation. If the worker crashes at any
// later point, a resumed run restores those decisions from the checkpoint
// instead of recomputing them, so the mutation phases replay identically even
// though concurrent state has moved on.
//
// # Scheduling
//
// The [Manager] serializes operations per user by holding the user's
// operation lock for the duration of a dispatch, retries failed attempts
// with exponential backoff, quarantines operations after a configurable
// number of consecutive failures, and periodically sweeps for locks
// abandoned by crashed workers, resuming their operations from checkpoints.
// Operations for different users run fully concurrently.
//
// # Failure taxonomy
//
// An error in Check before the checkpoint exists aborts cleanly: nothing was
// persisted and the operation is closed out as a permanent client error. Any
// failure after the checkpoint exists is recorded on the operation row and
// retried; delivery of notifications is therefore at least once. Both cases
// are explicit [Outcome] values, never panics.
package engine
