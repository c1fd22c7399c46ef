// Package store defines the key-value boundary the operation engine runs
// against: composite-key get/put/update/delete with expected-value
// preconditions, atomic counter increments, and prefix queries and scans.
//
// The contract is deliberately narrow. There are no multi-item transactions
// and no native locking; every coordination primitive in the engine (mutual
// exclusion, id uniqueness, checkpointing) is built from the single-item
// conditional writes specified here.
//
// Backends live in subpackages:
//
//   - [github.com/snapvault/backend/internal/store/dynamo]: DynamoDB
//   - [github.com/snapvault/backend/internal/store/postgres]: PostgreSQL
//   - [github.com/snapvault/backend/internal/store/memory]: in-process,
//     for tests and local development
//
// Errors are classified with sentinel values ([ErrNotFound],
// [ErrConditionFailed], [ErrProvisionExceeded], [ErrLimitExceeded]) so
// callers can distinguish lost races from throttling with [errors.Is].
package store
