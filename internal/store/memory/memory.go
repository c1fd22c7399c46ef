// Package memory provides an in-process implementation of the store
// contract. It honors the full conditional-write semantics, which makes it
// suitable for engine tests and local development, but it persists nothing.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/snapvault/backend/internal/store"
)

// Store is an in-memory store.Store. The zero value is not usable; create
// one with New.
type Store struct {
	mu    sync.Mutex
	items map[store.Key]store.Item
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{items: make(map[store.Key]store.Item)}
}

func (s *Store) Get(ctx context.Context, key store.Key, attrs []string) (store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return nil, store.ErrNotFound
	}

	return copyItem(item, attrs), nil
}

func (s *Store) Put(ctx context.Context, key store.Key, item store.Item, expect []store.Expect) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(key, expect); err != nil {
		return err
	}

	s.items[key] = copyItem(item, nil)

	return nil
}

func (s *Store) Update(ctx context.Context, key store.Key, updates []store.Update, expect []store.Expect) (store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(key, expect); err != nil {
		return nil, err
	}

	item, ok := s.items[key]
	if !ok {
		item = make(store.Item)
		s.items[key] = item
	}

	for _, u := range updates {
		switch u.Action {
		case store.ActionPut:
			item[u.Name] = u.Value
		case store.ActionAdd:
			delta, ok := u.Value.(int64)
			if !ok {
				return nil, fmt.Errorf("add to attribute %s: value must be int64, got %T", u.Name, u.Value)
			}
			cur, _ := item[u.Name].(int64)
			item[u.Name] = cur + delta
		case store.ActionDelete:
			delete(item, u.Name)
		default:
			return nil, fmt.Errorf("unknown update action %d on attribute %s", u.Action, u.Name)
		}
	}

	return copyItem(item, nil), nil
}

func (s *Store) Delete(ctx context.Context, key store.Key, expect []store.Expect) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(key, expect); err != nil {
		return err
	}

	delete(s.items, key)

	return nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Row, *store.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []store.Row

	for key, item := range s.items {
		if key.Hash != q.Hash || !strings.HasPrefix(key.Range, q.RangePrefix) {
			continue
		}
		rows = append(rows, store.Row{Key: key, Item: copyItem(item, nil)})
	}

	sort.Slice(rows, func(i, j int) bool {
		if q.Descending {
			return rows[i].Key.Range > rows[j].Key.Range
		}
		return rows[i].Key.Range < rows[j].Key.Range
	})

	rows = trimToStart(rows, q.StartKey)

	return limitRows(rows, q.Limit)
}

func (s *Store) Scan(ctx context.Context, sc store.Scan) ([]store.Row, *store.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []store.Row

	for key, item := range s.items {
		if !strings.HasPrefix(key.Hash, sc.HashPrefix) {
			continue
		}
		rows = append(rows, store.Row{Key: key, Item: copyItem(item, nil)})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Key.Hash != rows[j].Key.Hash {
			return rows[i].Key.Hash < rows[j].Key.Hash
		}
		return rows[i].Key.Range < rows[j].Key.Range
	})

	rows = trimToStart(rows, sc.StartKey)

	return limitRows(rows, sc.Limit)
}

// check evaluates preconditions against the current item under s.mu.
func (s *Store) check(key store.Key, expect []store.Expect) error {
	item, exists := s.items[key]

	for _, e := range expect {
		if e.Name == "" {
			if e.Absent && exists {
				return fmt.Errorf("item %v exists: %w", key, store.ErrConditionFailed)
			}
			if !e.Absent && !exists {
				return fmt.Errorf("item %v missing: %w", key, store.ErrConditionFailed)
			}
			continue
		}

		cur, ok := item[e.Name]
		if e.Absent {
			if ok {
				return fmt.Errorf("attribute %s exists: %w", e.Name, store.ErrConditionFailed)
			}
			continue
		}

		if !ok || !valueEqual(cur, e.Value) {
			return fmt.Errorf("attribute %s mismatch: %w", e.Name, store.ErrConditionFailed)
		}
	}

	return nil
}

func valueEqual(a, b any) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok || bok {
		return aok && bok && bytes.Equal(ab, bb)
	}
	return a == b
}

func copyItem(item store.Item, attrs []string) store.Item {
	out := make(store.Item, len(item))

	for k, v := range item {
		if len(attrs) > 0 && !contains(attrs, k) {
			continue
		}
		if b, ok := v.([]byte); ok {
			out[k] = append([]byte(nil), b...)
		} else {
			out[k] = v
		}
	}

	return out
}

func contains(attrs []string, name string) bool {
	for _, a := range attrs {
		if a == name {
			return true
		}
	}
	return false
}

// trimToStart drops rows up to and including the pagination start key.
func trimToStart(rows []store.Row, start *store.Key) []store.Row {
	if start == nil {
		return rows
	}
	for i, r := range rows {
		if r.Key == *start {
			return rows[i+1:]
		}
	}
	return rows
}

func limitRows(rows []store.Row, limit int32) ([]store.Row, *store.Key, error) {
	if limit > 0 && int32(len(rows)) > limit {
		page := rows[:limit]
		next := page[len(page)-1].Key
		return page, &next, nil
	}
	return rows, nil, nil
}
