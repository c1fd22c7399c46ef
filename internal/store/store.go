package store

import "context"

// Key addresses a single item: a hash (partition) key plus a range (sort) key.
type Key struct {
	Hash  string
	Range string
}

// Item holds the non-key attributes of a stored item. Values are limited to
// string, int64, bool and []byte; backends reject anything else.
type Item map[string]any

// Row pairs a key with its item, as returned by Query and Scan.
type Row struct {
	Key  Key
	Item Item
}

// Action is the kind of mutation applied to a single attribute by Update.
type Action int

const (
	// ActionPut sets the attribute to the given value.
	ActionPut Action = iota

	// ActionAdd atomically adds the given int64 to a numeric attribute,
	// treating a missing attribute as zero.
	ActionAdd

	// ActionDelete removes the attribute.
	ActionDelete
)

// Update describes one attribute mutation.
type Update struct {
	Name   string
	Action Action
	Value  any
}

// Expect is a precondition evaluated atomically with a write. Exactly one of
// Value or Absent must be set: a non-nil Value requires the attribute to equal
// it; Absent requires the attribute (or the whole item, when Name is empty) to
// not exist. A failed precondition yields ErrConditionFailed.
type Expect struct {
	Name   string
	Value  any
	Absent bool
}

// Query describes a range read within a single hash key. Rows are returned in
// range-key order, descending when Descending is set. A non-nil StartKey
// resumes a paginated read from a previous Next key.
type Query struct {
	Hash        string
	RangePrefix string
	Limit       int32
	Descending  bool
	StartKey    *Key
}

// Scan describes a whole-table read filtered to hash keys with the given
// prefix. Ordering across hash keys is backend-defined.
type Scan struct {
	HashPrefix string
	Limit      int32
	StartKey   *Key
}

// Store is the key-value boundary the engine is built on. It offers only
// single-item writes; all preconditions are evaluated atomically with the
// write they guard. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the item at key, restricted to attrs when non-empty.
	// Returns ErrNotFound if the item does not exist.
	Get(ctx context.Context, key Key, attrs []string) (Item, error)

	// Put writes the item at key, replacing any existing item, subject to
	// the given preconditions.
	Put(ctx context.Context, key Key, item Item, expect []Expect) error

	// Update applies the attribute mutations at key, subject to the given
	// preconditions, creating the item if absent. It returns the item's
	// attributes after the update, so ActionAdd callers can observe the
	// post-increment value.
	Update(ctx context.Context, key Key, updates []Update, expect []Expect) (Item, error)

	// Delete removes the item at key, subject to the given preconditions.
	// Deleting a missing item without preconditions is not an error.
	Delete(ctx context.Context, key Key, expect []Expect) error

	// Query reads rows within one hash key. The returned key is non-nil
	// when more rows remain and can be passed back as StartKey.
	Query(ctx context.Context, q Query) ([]Row, *Key, error)

	// Scan reads rows across hash keys with the given prefix. The returned
	// key is non-nil when more rows remain.
	Scan(ctx context.Context, s Scan) ([]Row, *Key, error)
}

// StringAttr returns the named attribute as a string, or "" when missing or
// of another type.
func StringAttr(item Item, name string) string {
	v, _ := item[name].(string)
	return v
}

// Int64Attr returns the named attribute as an int64, or 0 when missing or of
// another type.
func Int64Attr(item Item, name string) int64 {
	v, _ := item[name].(int64)
	return v
}

// BoolAttr returns the named attribute as a bool, or false when missing or of
// another type.
func BoolAttr(item Item, name string) bool {
	v, _ := item[name].(bool)
	return v
}

// BytesAttr returns the named attribute as a byte slice, or nil when missing
// or of another type.
func BytesAttr(item Item, name string) []byte {
	v, _ := item[name].([]byte)
	return v
}
