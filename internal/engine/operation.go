package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/snapvault/backend/internal/idalloc"
	"github.com/snapvault/backend/internal/store"
)

const (
	methodAttr       = "method"
	argsAttr         = "args"
	checkpointAttr   = "checkpoint"
	attemptsAttr     = "attempts"
	quarantineAttr   = "quarantine"
	backoffAttr      = "backoff"
	firstFailureAttr = "first_failure"
	lastFailureAttr  = "last_failure"
	doneAttr         = "done"
	doneAtAttr       = "done_at"

	opRangePrefix = "OP#"

	// userShardBytes is the width of the CRC prefix mixed into user hash
	// keys so heavy users spread across partitions.
	userShardBytes = 2
)

// Operation is the persisted record of one business mutation. Rows are
// append-only: they are created at admission, mutated on phase transitions
// and retries, and never deleted: a finished operation is marked done, an
// exhausted one is marked quarantined.
type Operation struct {
	UserID       int64
	OpID         string
	Method       string
	Args         json.RawMessage
	Checkpoint   *Checkpoint
	Attempts     int64
	Quarantine   bool
	Backoff      time.Time
	FirstFailure *Failure
	LastFailure  *Failure
	Done         bool
	DoneAt       time.Time
}

// Failure records one failed execution attempt.
type Failure struct {
	At    time.Time
	Cause string
}

// OperationID encodes the originating device and its local sequence number
// into a sortable operation id. Ids from one device sort in submission order.
func OperationID(deviceID, localSeq int64) string {
	return fmt.Sprintf("%08x-%012x", uint64(deviceID), uint64(localSeq))
}

// ParseOperationID reverses OperationID.
func ParseOperationID(opID string) (deviceID, localSeq int64, err error) {
	parts := strings.SplitN(opID, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed operation id %q", opID)
	}

	d, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed device id in operation id %q: %w", opID, err)
	}

	s, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed sequence in operation id %q: %w", opID, err)
	}

	return int64(d), int64(s), nil
}

// userHash builds the hash key for a user's operation rows. A CRC shard
// prefix keeps key distribution uniform across partitions.
func userHash(userID int64) string {
	return "USER#" + idalloc.HashPrefix(userID, userShardBytes) + "#" + strconv.FormatInt(userID, 10)
}

func opKey(userID int64, opID string) store.Key {
	return store.Key{Hash: userHash(userID), Range: opRangePrefix + opID}
}

func opItem(op *Operation) (store.Item, error) {
	item := store.Item{
		methodAttr:   op.Method,
		attemptsAttr: op.Attempts,
	}

	if len(op.Args) > 0 {
		item[argsAttr] = []byte(op.Args)
	}

	if op.Checkpoint != nil {
		b, err := json.Marshal(op.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		item[checkpointAttr] = b
	}

	return item, nil
}

func opFromRow(userID int64, row store.Row) (*Operation, error) {
	opID := strings.TrimPrefix(row.Key.Range, opRangePrefix)

	op := &Operation{
		UserID:     userID,
		OpID:       opID,
		Method:     store.StringAttr(row.Item, methodAttr),
		Attempts:   store.Int64Attr(row.Item, attemptsAttr),
		Quarantine: store.BoolAttr(row.Item, quarantineAttr),
		Done:       store.BoolAttr(row.Item, doneAttr),
	}

	if b := store.BytesAttr(row.Item, argsAttr); len(b) > 0 {
		op.Args = json.RawMessage(b)
	}

	if b := store.BytesAttr(row.Item, checkpointAttr); len(b) > 0 {
		var cp Checkpoint
		if err := json.Unmarshal(b, &cp); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint on operation %s: %w", opID, err)
		}
		op.Checkpoint = &cp
	}

	if v := store.Int64Attr(row.Item, backoffAttr); v > 0 {
		op.Backoff = time.Unix(v, 0)
	}

	if v := store.Int64Attr(row.Item, doneAtAttr); v > 0 {
		op.DoneAt = time.Unix(v, 0)
	}

	op.FirstFailure = failureFromAttr(store.StringAttr(row.Item, firstFailureAttr))
	op.LastFailure = failureFromAttr(store.StringAttr(row.Item, lastFailureAttr))

	return op, nil
}

func failureAttr(f *Failure) string {
	return f.At.UTC().Format(time.RFC3339Nano) + " " + f.Cause
}

func failureFromAttr(s string) *Failure {
	if s == "" {
		return nil
	}

	ts, cause, _ := strings.Cut(s, " ")

	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return &Failure{Cause: s}
	}

	return &Failure{At: at, Cause: cause}
}

// Load reads one operation row. Returns store.ErrNotFound when absent.
func Load(ctx context.Context, st store.Store, userID int64, opID string) (*Operation, error) {
	key := opKey(userID, opID)

	item, err := st.Get(ctx, key, nil)
	if err != nil {
		return nil, err
	}

	return opFromRow(userID, store.Row{Key: key, Item: item})
}

// admit creates the operation row if it does not already exist. It returns
// the stored operation and whether this call created it; re-submitting an
// already-recorded op id is a no-op against the existing row.
func admit(ctx context.Context, st store.Store, op *Operation) (*Operation, bool, error) {
	item, err := opItem(op)
	if err != nil {
		return nil, false, err
	}

	err = st.Put(ctx, opKey(op.UserID, op.OpID), item, []store.Expect{{Absent: true}})
	if err == nil {
		return op, true, nil
	}

	if !errors.Is(err, store.ErrConditionFailed) {
		return nil, false, fmt.Errorf("failed to admit operation %s: %w", op.OpID, err)
	}

	existing, err := Load(ctx, st, op.UserID, op.OpID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load duplicate operation %s: %w", op.OpID, err)
	}

	return existing, false, nil
}
