// Package postgres implements the conditional key-value store on PostgreSQL.
//
// # Table layout
//
// All items live in one table keyed by (hash_key, range_key). The non-key
// attributes are stored in a JSONB column using a small typed envelope, so
// int64 and byte-slice values survive the round trip through JSON.
//
// # Conditional writes
//
// Put, Update, and Delete with preconditions run inside a transaction: the
// current row is locked with SELECT FOR UPDATE, the preconditions are
// evaluated against it, and the write proceeds only when they hold. A failed
// precondition surfaces as [store.ErrConditionFailed].
//
// # Usage
//
//	client := postgres.New(
//		postgres.WithHost("db.internal"),
//		postgres.WithUser("snapvault"),
//		postgres.WithDatabase("snapvault"),
//	)
//	if err := client.Connect(ctx); err != nil { ... }
//	if err := client.Init(ctx, false); err != nil { ... }
package postgres
