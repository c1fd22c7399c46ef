// Package idalloc leases blocks of monotonically increasing ids from a
// persisted counter, serving many local requests per network round trip.
//
// Uniqueness across processes is guaranteed by the store's atomic ADD: each
// allocator leases a window of ids with one counter increment and hands them
// out locally. The in-memory window is process-local; a crashed process
// simply abandons the unserved remainder of its window.
package idalloc

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/snapvault/backend/internal/store"
)

const (
	// StartID is the first id ever handed out. Window results at or below
	// StartID indicate an unseeded counter and are discarded.
	StartID = 1

	// DefaultBlockSize is the number of ids leased per counter increment.
	DefaultBlockSize = 64

	nextIDAttr = "next_id"
	rangeKey   = "IDSEQ"
)

// Allocator hands out unique, strictly increasing int64 ids for one id type.
// It is safe for concurrent use.
type Allocator struct {
	st        store.Store
	idType    string
	blockSize int64

	mu      sync.Mutex
	curID   int64 // next id to serve; window is [curID, lastID)
	lastID  int64
	pending bool
	waiters []chan result
}

type result struct {
	id  int64
	err error
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithBlockSize sets the number of ids leased per counter increment.
// The default is DefaultBlockSize.
func WithBlockSize(n int64) Option {
	return func(a *Allocator) {
		a.blockSize = n
	}
}

// New creates an Allocator for the given id type backed by st.
func New(st store.Store, idType string, opts ...Option) *Allocator {
	a := &Allocator{
		st:        st,
		idType:    idType,
		blockSize: DefaultBlockSize,
	}

	for _, o := range opts {
		o(a)
	}

	return a
}

func counterKey(idType string) store.Key {
	return store.Key{Hash: "IDSEQ#" + idType, Range: rangeKey}
}

// NextID returns the next id. It serves from the local window when possible;
// otherwise the caller is queued FIFO behind a single in-flight counter
// increment. A failed increment is reported to every queued caller.
func (a *Allocator) NextID(ctx context.Context) (int64, error) {
	a.mu.Lock()

	if a.curID < a.lastID {
		id := a.curID
		a.curID++
		a.mu.Unlock()
		return id, nil
	}

	ch := make(chan result, 1)
	a.waiters = append(a.waiters, ch)

	if !a.pending {
		a.pending = true
		go a.allocate(context.WithoutCancel(ctx))
	}

	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-ch:
		return r.id, r.err
	}
}

// allocate leases windows until every queued waiter is served or the counter
// increment fails. It runs detached from any single caller's context so one
// cancelled caller cannot starve the rest of the queue.
func (a *Allocator) allocate(ctx context.Context) {
	for {
		item, err := a.st.Update(ctx, counterKey(a.idType), []store.Update{
			{Name: nextIDAttr, Action: store.ActionAdd, Value: a.blockSize},
		}, nil)
		if err != nil {
			a.failWaiters(fmt.Errorf("failed to increment id counter for %s: %w", a.idType, err))
			return
		}

		last := store.Int64Attr(item, nextIDAttr)
		if last <= StartID {
			// Counter not yet seeded past the floor; discard and retry.
			continue
		}

		a.mu.Lock()

		a.lastID = last
		a.curID = max(StartID, last-a.blockSize)

		for len(a.waiters) > 0 && a.curID < a.lastID {
			ch := a.waiters[0]
			a.waiters = a.waiters[1:]
			ch <- result{id: a.curID}
			a.curID++
		}

		if len(a.waiters) == 0 {
			a.pending = false
			a.mu.Unlock()
			return
		}

		// More waiters than the window held; lease another block.
		a.mu.Unlock()
	}
}

func (a *Allocator) failWaiters(err error) {
	a.mu.Lock()
	waiters := a.waiters
	a.waiters = nil
	a.pending = false
	a.mu.Unlock()

	for _, ch := range waiters {
		ch <- result{err: err}
	}
}

// HashPrefix derives a fixed-width shard prefix from id by hashing its 64-bit
// big-endian encoding with CRC32. It spreads keys uniformly across
// partitions; it is not a uniqueness mechanism. numBytes must be in [1, 4].
func HashPrefix(id int64, numBytes int) string {
	if numBytes < 1 || numBytes > 4 {
		panic(fmt.Sprintf("idalloc: hash prefix width %d out of range", numBytes))
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))

	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(buf[:]))

	return hex.EncodeToString(sum[:numBytes])
}
