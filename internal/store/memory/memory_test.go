package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/snapvault/backend/internal/store"
	"github.com/snapvault/backend/internal/store/memory"
)

func TestGetReturnsNotFoundForMissingItem(t *testing.T) {
	t.Parallel()

	st := memory.New()

	_, err := st.Get(context.Background(), store.Key{Hash: "A", Range: "B"}, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutExpectAbsent(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	key := store.Key{Hash: "A", Range: "B"}

	if err := st.Put(ctx, key, store.Item{"v": int64(1)}, []store.Expect{{Absent: true}}); err != nil {
		t.Fatalf("first put failed: %v", err)
	}

	err := st.Put(ctx, key, store.Item{"v": int64(2)}, []store.Expect{{Absent: true}})
	if !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}

	item, err := st.Get(ctx, key, nil)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if store.Int64Attr(item, "v") != 1 {
		t.Errorf("conditional put overwrote the item: %v", item)
	}
}

func TestPutExpectAttributeValue(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	key := store.Key{Hash: "A", Range: "B"}

	if err := st.Put(ctx, key, store.Item{"owner": "a"}, nil); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	err := st.Put(ctx, key, store.Item{"owner": "b"}, []store.Expect{{Name: "owner", Value: "x"}})
	if !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed on mismatched owner, got %v", err)
	}

	if err := st.Put(ctx, key, store.Item{"owner": "b"}, []store.Expect{{Name: "owner", Value: "a"}}); err != nil {
		t.Fatalf("guarded put failed: %v", err)
	}
}

func TestUpdateAddReturnsPostIncrementValue(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	key := store.Key{Hash: "IDSEQ#media", Range: "IDSEQ"}

	// ActionAdd treats a missing attribute as zero and creates the item.
	item, err := st.Update(ctx, key, []store.Update{
		{Name: "next_id", Action: store.ActionAdd, Value: int64(64)},
	}, nil)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if got := store.Int64Attr(item, "next_id"); got != 64 {
		t.Errorf("expected 64, got %d", got)
	}

	item, err = st.Update(ctx, key, []store.Update{
		{Name: "next_id", Action: store.ActionAdd, Value: int64(64)},
	}, nil)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if got := store.Int64Attr(item, "next_id"); got != 128 {
		t.Errorf("expected 128, got %d", got)
	}
}

func TestUpdateExpectExistsFailsOnMissingItem(t *testing.T) {
	t.Parallel()

	st := memory.New()

	_, err := st.Update(context.Background(), store.Key{Hash: "A", Range: "B"}, []store.Update{
		{Name: "done", Action: store.ActionPut, Value: true},
	}, []store.Expect{{Absent: false}})
	if !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestUpdateDeleteRemovesAttribute(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	key := store.Key{Hash: "A", Range: "B"}

	if err := st.Put(ctx, key, store.Item{"quarantine": true, "v": int64(1)}, nil); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	item, err := st.Update(ctx, key, []store.Update{
		{Name: "quarantine", Action: store.ActionDelete},
	}, nil)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if _, ok := item["quarantine"]; ok {
		t.Error("attribute should be removed")
	}

	if store.Int64Attr(item, "v") != 1 {
		t.Error("unrelated attribute was disturbed")
	}
}

func TestDeleteGuardedByAttribute(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	key := store.Key{Hash: "A", Range: "B"}

	if err := st.Put(ctx, key, store.Item{"owner": "a"}, nil); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	err := st.Delete(ctx, key, []store.Expect{{Name: "owner", Value: "b"}})
	if !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}

	if err := st.Delete(ctx, key, []store.Expect{{Name: "owner", Value: "a"}}); err != nil {
		t.Fatalf("guarded delete failed: %v", err)
	}

	// Unconditional delete of a missing item is not an error.
	if err := st.Delete(ctx, key, nil); err != nil {
		t.Fatalf("delete of missing item failed: %v", err)
	}
}

func TestQueryOrderingAndPagination(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()

	for _, r := range []string{"OP#c", "OP#a", "OP#b", "RUN#x"} {
		if err := st.Put(ctx, store.Key{Hash: "U", Range: r}, store.Item{"r": r}, nil); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	rows, next, err := st.Query(ctx, store.Query{Hash: "U", RangePrefix: "OP#", Limit: 2})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if len(rows) != 2 || rows[0].Key.Range != "OP#a" || rows[1].Key.Range != "OP#b" {
		t.Fatalf("unexpected first page: %+v", rows)
	}

	if next == nil {
		t.Fatal("expected a pagination key")
	}

	rows, next, err = st.Query(ctx, store.Query{Hash: "U", RangePrefix: "OP#", Limit: 2, StartKey: next})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if len(rows) != 1 || rows[0].Key.Range != "OP#c" {
		t.Fatalf("unexpected second page: %+v", rows)
	}

	if next != nil {
		t.Error("expected pagination to end")
	}
}

func TestQueryDescending(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()

	for _, r := range []string{"RUN#1", "RUN#2", "RUN#3"} {
		if err := st.Put(ctx, store.Key{Hash: "J", Range: r}, nil, nil); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	rows, _, err := st.Query(ctx, store.Query{Hash: "J", RangePrefix: "RUN#", Descending: true})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if len(rows) != 3 || rows[0].Key.Range != "RUN#3" || rows[2].Key.Range != "RUN#1" {
		t.Fatalf("unexpected descending order: %+v", rows)
	}
}

func TestScanFiltersByHashPrefix(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()

	keys := []store.Key{
		{Hash: "LOCK#op:1", Range: "LOCK"},
		{Hash: "LOCK#op:2", Range: "LOCK"},
		{Hash: "LOCK#job:x", Range: "LOCK"},
		{Hash: "USER#ab#1", Range: "OP#1"},
	}

	for _, k := range keys {
		if err := st.Put(ctx, k, nil, nil); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	rows, _, err := st.Scan(ctx, store.Scan{HashPrefix: "LOCK#op:"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %+v", rows)
	}
}

func TestGetProjectsAttributes(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	key := store.Key{Hash: "A", Range: "B"}

	if err := st.Put(ctx, key, store.Item{"a": int64(1), "b": "x", "c": true}, nil); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	item, err := st.Get(ctx, key, []string{"a", "c"})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if len(item) != 2 || store.Int64Attr(item, "a") != 1 || !store.BoolAttr(item, "c") {
		t.Errorf("unexpected projection: %v", item)
	}
}

func TestItemsAreCopiedOnReadAndWrite(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	key := store.Key{Hash: "A", Range: "B"}

	src := store.Item{"blob": []byte("original")}
	if err := st.Put(ctx, key, src, nil); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	src["blob"].([]byte)[0] = 'X'

	item, err := st.Get(ctx, key, nil)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if string(store.BytesAttr(item, "blob")) != "original" {
		t.Error("store shared the caller's byte slice")
	}
}
