package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

func TestStore_PutGet(t *testing.T) {
	store := NewStore()
	defer store.Close()

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

func TestStore_Get_Missing(t *testing.T) {
	store := NewStore()
	defer store.Close()

	_, version, exists, err := store.Get("missing")
	if err != nil {
		t.Fatalf("get of missing key should not error: %v", err)
	}
	if exists {
		t.Fatal("expected missing key to report exists=false")
	}
	if version != 0 {
		t.Errorf("expected version 0 for missing key, got %d", version)
	}
}

func TestStore_Put_CreateExisting(t *testing.T) {
	store := NewStore()
	defer store.Close()

	if err := store.Put("k", []byte("a"), 0); err != nil {
		t.Fatalf("failed to create key: %v", err)
	}

	err := store.Put("k", []byte("b"), 0)
	if err == nil {
		t.Fatal("expected create of existing key to fail")
	}
	if !domain.IsConflictError(err) {
		t.Fatalf("expected conflict error, got %T: %v", err, err)
	}
}

func TestStore_Put_StaleVersion(t *testing.T) {
	store := NewStore()
	defer store.Close()

	if err := store.Put("k", []byte("a"), 0); err != nil {
		t.Fatalf("failed to create key: %v", err)
	}
	if err := store.Put("k", []byte("b"), 1); err != nil {
		t.Fatalf("failed to update key: %v", err)
	}

	err := store.Put("k", []byte("c"), 1)
	if err == nil {
		t.Fatal("expected stale write to fail")
	}
	if !domain.IsConflictError(err) {
		t.Fatalf("expected conflict error, got %T: %v", err, err)
	}

	value, version, _, err := store.Get("k")
	if err != nil {
		t.Fatalf("failed to get key: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2 after two writes, got %d", version)
	}
	if string(value) != "b" {
		t.Errorf("stale write must not change value, got %s", value)
	}
}

func TestStore_Put_UpdateMissing(t *testing.T) {
	store := NewStore()
	defer store.Close()

	err := store.Put("gone", []byte("x"), 3)
	if err == nil {
		t.Fatal("expected versioned write to missing key to fail")
	}
	if !domain.IsConflictError(err) {
		t.Fatalf("expected conflict error, got %T: %v", err, err)
	}
}

func TestStore_Put_VersionSequence(t *testing.T) {
	store := NewStore()
	defer store.Close()

	for i := int64(0); i < 5; i++ {
		if err := store.Put("k", []byte{byte(i)}, i); err != nil {
			t.Fatalf("write at version %d failed: %v", i, err)
		}
	}

	_, version, _, err := store.Get("k")
	if err != nil {
		t.Fatalf("failed to get key: %v", err)
	}
	if version != 5 {
		t.Errorf("expected version 5, got %d", version)
	}
}

func TestStore_Delete(t *testing.T) {
	store := NewStore()
	defer store.Close()

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

	if err := store.Delete("k"); err != nil {
		t.Fatalf("delete of missing key should be a no-op: %v", err)
	}
}

func TestStore_BatchWrite(t *testing.T) {
	store := NewStore()
	defer store.Close()

	store.Put("keep", []byte("a"), 0)
	store.Put("drop", []byte("b"), 0)

	ops := []ports.WriteOp{
		{Type: ports.OpPut, Key: "keep", Value: []byte("a2"), Version: 1},
		{Type: ports.OpPut, Key: "new", Value: []byte("c"), Version: 0},
		{Type: ports.OpDelete, Key: "drop"},
	}
	if err := store.BatchWrite(ops); err != nil {
		t.Fatalf("batch write failed: %v", err)
	}

	value, version, _, _ := store.Get("keep")
	if string(value) != "a2" || version != 2 {
		t.Errorf("expected keep=a2@2, got %s@%d", value, version)
	}
	if exists, _ := store.Exists("drop"); exists {
		t.Error("expected drop to be deleted")
	}
	if exists, _ := store.Exists("new"); !exists {
		t.Error("expected new to be created")
	}
}

func TestStore_BatchWrite_StaleOpAppliesNothing(t *testing.T) {
	store := NewStore()
	defer store.Close()

	store.Put("a", []byte("1"), 0)
	store.Put("b", []byte("1"), 0)

	ops := []ports.WriteOp{
		{Type: ports.OpPut, Key: "a", Value: []byte("2"), Version: 1},
		{Type: ports.OpPut, Key: "b", Value: []byte("2"), Version: 99},
	}
	err := store.BatchWrite(ops)
	if err == nil {
		t.Fatal("expected batch with stale op to fail")
	}
	if !domain.IsConflictError(err) {
		t.Fatalf("expected conflict error, got %T: %v", err, err)
	}

	value, version, _, _ := store.Get("a")
	if string(value) != "1" || version != 1 {
		t.Errorf("failed batch must not apply any op, got a=%s@%d", value, version)
	}
}

func TestStore_ListByPrefix(t *testing.T) {
	store := NewStore()
	defer store.Close()

	store.Put("journey:log:e1:003", []byte("c"), 0)
	store.Put("journey:log:e1:001", []byte("a"), 0)
	store.Put("journey:log:e1:002", []byte("b"), 0)
	store.Put("journey:log:e2:001", []byte("x"), 0)
	store.Put("run:state:r1", []byte("r"), 0)

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
	if string(items[0].Value) != "a" {
		t.Errorf("expected first value a, got %s", items[0].Value)
	}
	if items[0].Version != 1 {
		t.Errorf("expected version 1, got %d", items[0].Version)
	}
}

func TestStore_CountPrefix(t *testing.T) {
	store := NewStore()
	defer store.Close()

	store.Put("run:state:r1", []byte("a"), 0)
	store.Put("run:state:r2", []byte("b"), 0)
	store.Put("entity:state:e1", []byte("c"), 0)

	count, err := store.CountPrefix("run:state:")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2, got %d", count)
	}

	count, err = store.CountPrefix("nope:")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0, got %d", count)
	}
}

func TestStore_DeleteByPrefix(t *testing.T) {
	store := NewStore()
	defer store.Close()

	store.Put("schedule:def:daily", []byte("a"), 0)
	store.Put("schedule:def:weekly", []byte("b"), 0)
	store.Put("run:state:r1", []byte("c"), 0)

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

func TestStore_AtomicIncrement(t *testing.T) {
	store := NewStore()
	defer store.Close()

	for want := int64(1); want <= 3; want++ {
		got, err := store.AtomicIncrement("graph:latest:order-flow")
		if err != nil {
			t.Fatalf("increment failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	value, _, exists, err := store.Get("graph:latest:order-flow")
	if err != nil || !exists {
		t.Fatalf("counter key should be readable: exists=%v err=%v", exists, err)
	}
	if len(value) != 8 {
		t.Fatalf("expected 8-byte counter encoding, got %d bytes", len(value))
	}
	if decoded := int64(binary.BigEndian.Uint64(value)); decoded != 3 {
		t.Errorf("expected stored counter 3, got %d", decoded)
	}
}

func TestStore_AtomicIncrement_Concurrent(t *testing.T) {
	store := NewStore()
	defer store.Close()

	var wg sync.WaitGroup
	numWorkers := 8
	incrementsPerWorker := 25

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerWorker; j++ {
				if _, err := store.AtomicIncrement("counter"); err != nil {
					t.Errorf("increment failed: %v", err)
				}
			}
		}()
	}

	wg.Wait()

	got, err := store.AtomicIncrement("counter")
	if err != nil {
		t.Fatalf("final increment failed: %v", err)
	}
	if want := int64(numWorkers*incrementsPerWorker + 1); got != want {
		t.Errorf("expected %d, got %d", want, got)
	}
}

func TestStore_Close(t *testing.T) {
	store := NewStore()

	store.Put("k", []byte("a"), 0)

	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := store.Put("k2", []byte("b"), 0); !errors.Is(err, domain.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted after close, got %v", err)
	}
	if _, _, _, err := store.Get("k"); !errors.Is(err, domain.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted after close, got %v", err)
	}
	if _, err := store.ListByPrefix("k"); !errors.Is(err, domain.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted after close, got %v", err)
	}
}

func TestStore_ConcurrentWriters_DistinctKeys(t *testing.T) {
	store := NewStore()
	defer store.Close()

	var wg sync.WaitGroup
	numWorkers := 10
	keysPerWorker := 20

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < keysPerWorker; j++ {
				key := fmt.Sprintf("run:state:w%d-k%d", workerID, j)
				if err := store.Put(key, []byte("v"), 0); err != nil {
					t.Errorf("worker %d failed to write %s: %v", workerID, key, err)
				}
			}
		}(i)
	}

	wg.Wait()

	count, err := store.CountPrefix("run:state:")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if want := numWorkers * keysPerWorker; count != want {
		t.Errorf("expected %d keys, got %d", want, count)
	}
}
