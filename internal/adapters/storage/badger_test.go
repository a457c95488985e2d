package storage

import (
	"io"
	"log/slog"
	"testing"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewBadgerStore(t.TempDir(), false, logger)
	if err != nil {
		t.Fatalf("failed to open badger store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBadgerStore_PutGet(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put("run:state:r1", []byte(`{"status":"running"}`), 0); err != nil {
		t.Fatalf("failed to create key: %v", err)
	}

	value, version, exists, err := store.Get("run:state:r1")
	if err != nil {
		t.Fatalf("failed to get key: %v", err)
	}
	if !exists {
		t.Fatal("expected key to exist")
	}
	if version != 1 {
		t.Errorf("expected version 1 after create, got %d", version)
	}
	if string(value) != `{"status":"running"}` {
		t.Errorf("unexpected value: %s", value)
	}
}

func TestBadgerStore_CASConflicts(t *testing.T) {
	store := newTestStore(t)

	if err := store.Put("k", []byte("a"), 0); err != nil {
		t.Fatalf("failed to create key: %v", err)
	}

	if err := store.Put("k", []byte("b"), 0); !domain.IsConflictError(err) {
		t.Errorf("expected conflict recreating existing key, got %v", err)
	}
	if err := store.Put("k", []byte("b"), 7); !domain.IsConflictError(err) {
		t.Errorf("expected conflict on stale version, got %v", err)
	}
	if err := store.Put("gone", []byte("b"), 2); !domain.IsConflictError(err) {
		t.Errorf("expected conflict updating missing key, got %v", err)
	}

	if err := store.Put("k", []byte("b"), 1); err != nil {
		t.Fatalf("valid update failed: %v", err)
	}

	value, version, _, err := store.Get("k")
	if err != nil {
		t.Fatalf("failed to get key: %v", err)
	}
	if string(value) != "b" || version != 2 {
		t.Errorf("expected b@2, got %s@%d", value, version)
	}
}

func TestBadgerStore_Delete(t *testing.T) {
	store := newTestStore(t)

	store.Put("k", []byte("a"), 0)

	if err := store.Delete("k"); err != nil {
		t.Fatalf("failed to delete key: %v", err)
	}

	exists, err := store.Exists("k")
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if exists {
		t.Fatal("key should not exist after delete")
	}
}

func TestBadgerStore_BatchWrite_Atomic(t *testing.T) {
	store := newTestStore(t)

	store.Put("a", []byte("1"), 0)
	store.Put("b", []byte("1"), 0)

	err := store.BatchWrite([]ports.WriteOp{
		{Type: ports.OpPut, Key: "a", Value: []byte("2"), Version: 1},
		{Type: ports.OpPut, Key: "b", Value: []byte("2"), Version: 42},
	})
	if !domain.IsConflictError(err) {
		t.Fatalf("expected conflict from stale op, got %v", err)
	}

	value, version, _, _ := store.Get("a")
	if string(value) != "1" || version != 1 {
		t.Errorf("failed batch must not apply any op, got a=%s@%d", value, version)
	}

	err = store.BatchWrite([]ports.WriteOp{
		{Type: ports.OpPut, Key: "a", Value: []byte("2"), Version: 1},
		{Type: ports.OpDelete, Key: "b"},
		{Type: ports.OpPut, Key: "c", Value: []byte("new"), Version: 0},
	})
	if err != nil {
		t.Fatalf("batch write failed: %v", err)
	}

	if value, _, _, _ := store.Get("a"); string(value) != "2" {
		t.Errorf("expected a=2, got %s", value)
	}
	if exists, _ := store.Exists("b"); exists {
		t.Error("expected b to be deleted")
	}
	if exists, _ := store.Exists("c"); !exists {
		t.Error("expected c to be created")
	}
}

func TestBadgerStore_ListByPrefix_Ordering(t *testing.T) {
	store := newTestStore(t)

	store.Put("journey:log:e1:003", []byte("c"), 0)
	store.Put("journey:log:e1:001", []byte("a"), 0)
	store.Put("journey:log:e1:002", []byte("b"), 0)
	store.Put("journey:log:e2:001", []byte("x"), 0)

	items, err := store.ListByPrefix("journey:log:e1:")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}

	for i, want := range []string{"journey:log:e1:001", "journey:log:e1:002", "journey:log:e1:003"} {
		if items[i].Key != want {
			t.Errorf("item %d: expected key %s, got %s", i, want, items[i].Key)
		}
	}
	if items[0].UpdatedAt.IsZero() {
		t.Error("expected update timestamp to be recorded")
	}
}

func TestBadgerStore_CountAndDeleteByPrefix(t *testing.T) {
	store := newTestStore(t)

	store.Put("schedule:def:daily", []byte("a"), 0)
	store.Put("schedule:def:weekly", []byte("b"), 0)
	store.Put("run:state:r1", []byte("c"), 0)

	count, err := store.CountPrefix("schedule:def:")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2, got %d", count)
	}

	deleted, err := store.DeleteByPrefix("schedule:def:")
	if err != nil {
		t.Fatalf("delete by prefix failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	if count, _ := store.CountPrefix("schedule:def:"); count != 0 {
		t.Errorf("expected no remaining keys, got %d", count)
	}
	if exists, _ := store.Exists("run:state:r1"); !exists {
		t.Error("unrelated key should survive")
	}
}

func TestBadgerStore_AtomicIncrement(t *testing.T) {
	store := newTestStore(t)

	for want := int64(1); want <= 3; want++ {
		got, err := store.AtomicIncrement("graph:latest:order-flow")
		if err != nil {
			t.Fatalf("increment failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
}

func TestBadgerStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := NewBadgerStore(dir, false, logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	if err := store.Put("run:state:r1", []byte("parked"), 0); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if _, err := store.AtomicIncrement("graph:latest:g"); err != nil {
		t.Fatalf("failed to increment: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	reopened, err := NewBadgerStore(dir, false, logger)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	value, version, exists, err := reopened.Get("run:state:r1")
	if err != nil || !exists {
		t.Fatalf("expected key to survive reopen: exists=%v err=%v", exists, err)
	}
	if string(value) != "parked" || version != 1 {
		t.Errorf("expected parked@1, got %s@%d", value, version)
	}

	next, err := reopened.AtomicIncrement("graph:latest:g")
	if err != nil {
		t.Fatalf("increment after reopen failed: %v", err)
	}
	if next != 2 {
		t.Errorf("expected counter to continue at 2, got %d", next)
	}
}
