// Package lock implements mutual exclusion on top of the store's conditional
// writes. A lock is a single item keyed by resource; at most one live owner
// exists per resource at a time. Locks acquired with abandonment detection
// carry an expiration and must be renewed while held; an expired lock is
// considered abandoned and may be taken over by a new owner.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snapvault/backend/internal/obs"
	"github.com/snapvault/backend/internal/store"
)

// Status is the outcome of a TryAcquire call. Contention is an expected
// control-flow result, not an error.
type Status int

const (
	// Acquired means a fresh lock was created for the caller.
	Acquired Status = iota

	// AcquiredAbandoned means an expired lock left by a crashed owner was
	// taken over. The caller should resume the abandoned work recorded in
	// the lock's resource data.
	AcquiredAbandoned

	// Failed means another owner holds the lock.
	Failed
)

func (s Status) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case AcquiredAbandoned:
		return "acquired_abandoned"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrAcquireFailed is returned by Acquire when the lock is held by
	// another owner.
	ErrAcquireFailed = errors.New("failed to acquire lock")

	// ErrNotOwner is returned by Release when the caller no longer owns
	// the lock, typically because it expired and was taken over.
	ErrNotOwner = errors.New("lock not owned by caller")
)

const (
	ownerAttr    = "owner_id"
	expiresAttr  = "expires"
	dataAttr     = "resource_data"
	failuresAttr = "acquire_failures"

	lockRangeKey = "LOCK"

	// acquireRaces bounds how many create/takeover races a single
	// TryAcquire call will chase before giving up as Failed.
	acquireRaces = 3
)

// Lock is a held (or observed) lock. The zero value is meaningless; locks
// are produced by Manager methods.
type Lock struct {
	ResourceType    string
	ResourceID      string
	OwnerID         string
	ResourceData    string
	Expiration      time.Time // zero for non-expiring locks
	AcquireFailures int64
}

// ID returns the lock id, "<resource_type>:<resource_id>".
func (l *Lock) ID() string {
	return l.ResourceType + ":" + l.ResourceID
}

// Manager acquires and releases locks against a store. It is safe for
// concurrent use.
type Manager struct {
	st      store.Store
	logger  obs.Logger
	metrics *obs.LockMetrics
	opts    *options
}

// New creates a Manager backed by st.
func New(st store.Store, logger obs.Logger, opts ...Option) *Manager {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	if logger == nil {
		logger = obs.NopLogger{}
	}

	return &Manager{
		st:      st,
		logger:  logger.WithField("component", "lock"),
		metrics: options.metrics,
		opts:    options,
	}
}

// Key returns the store key for a lock on the given resource.
func Key(resourceType, resourceID string) store.Key {
	return store.Key{Hash: "LOCK#" + resourceType + ":" + resourceID, Range: lockRangeKey}
}

// TryAcquire attempts to take the lock for the given resource with a fresh
// owner id. resourceData is an opaque payload stored with the lock and
// reported back by ScanAbandoned; the scheduler stores the operation id being
// executed so a sweeper knows what to resume.
//
// When detectAbandonment is set, the lock is created with an expiration and an
// expired lock is taken over (reported as AcquiredAbandoned). When it is not
// set, an expired lock is deleted rather than adopted and the call reports
// Failed; a caller that did not ask to detect abandonment must never silently
// inherit abandoned state.
func (m *Manager) TryAcquire(ctx context.Context, resourceType, resourceID, resourceData string, detectAbandonment bool) (*Lock, Status, error) {
	return m.tryAcquire(ctx, resourceType, resourceID, uuid.NewString(), resourceData, detectAbandonment)
}

// Acquire takes the lock for the given resource with a caller-chosen owner
// id, with abandonment detection enabled. Re-acquiring a live lock with the
// same owner id is an idempotent success and does not touch the failure
// counter. Contention is returned as ErrAcquireFailed.
func (m *Manager) Acquire(ctx context.Context, resourceType, resourceID, ownerID string) (*Lock, Status, error) {
	if ownerID == "" {
		return nil, Failed, errors.New("owner id cannot be empty")
	}

	key, err := validatedKey(resourceType, resourceID)
	if err != nil {
		return nil, Failed, err
	}

	item, err := m.st.Get(ctx, key, nil)
	if err == nil && store.StringAttr(item, ownerAttr) == ownerID && m.live(item) {
		return m.lockFromItem(resourceType, resourceID, item), Acquired, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, Failed, fmt.Errorf("failed to read lock %s:%s: %w", resourceType, resourceID, err)
	}

	l, status, err := m.tryAcquire(ctx, resourceType, resourceID, ownerID, "", true)
	if err != nil {
		return nil, status, err
	}

	if status == Failed {
		return nil, Failed, fmt.Errorf("lock %s:%s: %w", resourceType, resourceID, ErrAcquireFailed)
	}

	return l, status, nil
}

func (m *Manager) tryAcquire(ctx context.Context, resourceType, resourceID, ownerID, resourceData string, detectAbandonment bool) (*Lock, Status, error) {
	key, err := validatedKey(resourceType, resourceID)
	if err != nil {
		return nil, Failed, err
	}

	logger := m.logger.
		WithField("resource", resourceType+":"+resourceID).
		WithField("owner", ownerID)

	for race := 0; race < acquireRaces; race++ {
		item, err := m.st.Get(ctx, key, nil)

		switch {
		case errors.Is(err, store.ErrNotFound):
			l := &Lock{
				ResourceType: resourceType,
				ResourceID:   resourceID,
				OwnerID:      ownerID,
				ResourceData: resourceData,
			}
			if detectAbandonment {
				l.Expiration = m.opts.clock().Add(m.opts.abandonmentTTL)
			}

			err := m.st.Put(ctx, key, lockItem(l), []store.Expect{{Absent: true}})
			if errors.Is(err, store.ErrConditionFailed) {
				continue // lost a creation race; re-read
			}
			if err != nil {
				return nil, Failed, fmt.Errorf("failed to create lock %s: %w", l.ID(), err)
			}

			m.countAcquire("acquired")
			logger.Debug("lock acquired")

			return l, Acquired, nil

		case err != nil:
			return nil, Failed, fmt.Errorf("failed to read lock %s:%s: %w", resourceType, resourceID, err)
		}

		holder := store.StringAttr(item, ownerAttr)

		if m.live(item) {
			// Held by someone else. Record the contention; the
			// owner guard keeps a racing takeover from resurrecting
			// a deleted row with a bare counter.
			updated, err := m.st.Update(ctx, key, []store.Update{
				{Name: failuresAttr, Action: store.ActionAdd, Value: int64(1)},
			}, []store.Expect{{Name: ownerAttr, Value: holder}})
			if err != nil && !errors.Is(err, store.ErrConditionFailed) {
				return nil, Failed, fmt.Errorf("failed to record lock contention on %s:%s: %w", resourceType, resourceID, err)
			}
			if err == nil {
				item = updated
			}

			m.countAcquire("failed")
			logger.WithField("holder", holder).Debug("lock held by another owner")

			return m.lockFromItem(resourceType, resourceID, item), Failed, nil
		}

		// Abandoned: expired without release.
		if !detectAbandonment {
			// Clear the stale row but do not adopt it.
			err := m.st.Delete(ctx, key, []store.Expect{{Name: ownerAttr, Value: holder}})
			if err != nil && !errors.Is(err, store.ErrConditionFailed) {
				return nil, Failed, fmt.Errorf("failed to delete abandoned lock %s:%s: %w", resourceType, resourceID, err)
			}

			m.countAcquire("failed")
			logger.WithField("holder", holder).Info("deleted abandoned lock without adopting it")

			return m.lockFromItem(resourceType, resourceID, item), Failed, nil
		}

		l := &Lock{
			ResourceType: resourceType,
			ResourceID:   resourceID,
			OwnerID:      ownerID,
			ResourceData: store.StringAttr(item, dataAttr),
			Expiration:   m.opts.clock().Add(m.opts.abandonmentTTL),
		}
		if resourceData != "" {
			l.ResourceData = resourceData
		}

		err = m.st.Put(ctx, key, lockItem(l), []store.Expect{{Name: ownerAttr, Value: holder}})
		if errors.Is(err, store.ErrConditionFailed) {
			continue // another acquirer got there first; re-read
		}
		if err != nil {
			return nil, Failed, fmt.Errorf("failed to take over abandoned lock %s: %w", l.ID(), err)
		}

		m.countAcquire("acquired_abandoned")
		logger.WithField("previous_owner", holder).Info("took over abandoned lock")

		return l, AcquiredAbandoned, nil
	}

	m.countAcquire("failed")

	return nil, Failed, nil
}

// Release deletes the lock, guarded by owner identity. It returns ErrNotOwner
// when the stored owner no longer matches, which happens when the lock
// expired and was taken over; the takeover's state is left untouched.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	key := Key(l.ResourceType, l.ResourceID)

	err := m.st.Delete(ctx, key, []store.Expect{{Name: ownerAttr, Value: l.OwnerID}})
	if errors.Is(err, store.ErrConditionFailed) {
		m.countRelease("not_owner")
		return fmt.Errorf("lock %s: %w", l.ID(), ErrNotOwner)
	}
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.ID(), err)
	}

	m.countRelease("success")
	m.logger.WithField("resource", l.ID()).Debug("lock released")

	return nil
}

// ScanAbandoned invokes fn for every abandoned lock of the given resource
// type. fn errors abort the scan.
func (m *Manager) ScanAbandoned(ctx context.Context, resourceType string, fn func(context.Context, *Lock) error) error {
	scan := store.Scan{HashPrefix: "LOCK#" + resourceType + ":"}
	now := m.opts.clock()

	for {
		rows, next, err := m.st.Scan(ctx, scan)
		if err != nil {
			return fmt.Errorf("failed to scan %s locks: %w", resourceType, err)
		}

		for _, row := range rows {
			expires := store.Int64Attr(row.Item, expiresAttr)
			if expires == 0 || now.Unix() < expires {
				continue
			}

			resourceID := strings.TrimPrefix(row.Key.Hash, "LOCK#"+resourceType+":")

			if err := fn(ctx, m.lockFromItem(resourceType, resourceID, row.Item)); err != nil {
				return err
			}
		}

		if next == nil {
			return nil
		}

		scan.StartKey = next
	}
}

// live reports whether a lock item is currently held: either non-expiring or
// not yet past its expiration.
func (m *Manager) live(item store.Item) bool {
	expires := store.Int64Attr(item, expiresAttr)
	return expires == 0 || m.opts.clock().Unix() < expires
}

func (m *Manager) lockFromItem(resourceType, resourceID string, item store.Item) *Lock {
	l := &Lock{
		ResourceType:    resourceType,
		ResourceID:      resourceID,
		OwnerID:         store.StringAttr(item, ownerAttr),
		ResourceData:    store.StringAttr(item, dataAttr),
		AcquireFailures: store.Int64Attr(item, failuresAttr),
	}

	if expires := store.Int64Attr(item, expiresAttr); expires > 0 {
		l.Expiration = time.Unix(expires, 0)
	}

	return l
}

func lockItem(l *Lock) store.Item {
	item := store.Item{
		ownerAttr:    l.OwnerID,
		failuresAttr: int64(0),
	}

	if !l.Expiration.IsZero() {
		item[expiresAttr] = l.Expiration.Unix()
	}

	if l.ResourceData != "" {
		item[dataAttr] = l.ResourceData
	}

	return item
}

func validatedKey(resourceType, resourceID string) (store.Key, error) {
	if resourceType == "" || resourceID == "" {
		return store.Key{}, errors.New("resource type and id cannot be empty")
	}

	if strings.Contains(resourceType, ":") {
		return store.Key{}, fmt.Errorf("resource type %q cannot contain ':'", resourceType)
	}

	return Key(resourceType, resourceID), nil
}

func (m *Manager) countAcquire(result string) {
	if m.metrics != nil {
		m.metrics.AcquireTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) countRelease(result string) {
	if m.metrics != nil {
		m.metrics.ReleaseTotal.WithLabelValues(result).Inc()
	}
}
