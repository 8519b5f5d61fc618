package kv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/GeminiRelay/internal/db"
	"gorm.io/gorm"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:kv_store_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return NewGormStore(conn)
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, errOpen := Open(context.Background(), filepath.Join(t.TempDir(), "relay.db"), "")
	if errOpen != nil {
		t.Fatalf("open sqlite file: %v", errOpen)
	}
	t.Cleanup(func() { _ = fileStore.Close() })
	stores := map[string]Store{
		"memory":      NewMemoryStore(),
		"gorm":        newTestGormStore(t),
		"sqlite-file": fileStore,
	}
	if url := os.Getenv("RELAY_TEST_REDIS_URL"); url != "" {
		namespace := fmt.Sprintf("relay-test-%d:", time.Now().UnixNano())
		store, errOpen := OpenRedis(context.Background(), url, namespace)
		if errOpen != nil {
			t.Fatalf("open redis: %v", errOpen)
		}
		stores["redis"] = store
	}
	return stores
}

func TestStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			key := Key("api_key", "abc")
			missing, errGet := store.Get(ctx, key)
			if errGet != nil {
				t.Fatalf("get missing: %v", errGet)
			}
			if missing.Found() {
				t.Fatalf("expected missing entry")
			}

			if errSet := store.Set(ctx, key, []byte(`{"a":1}`)); errSet != nil {
				t.Fatalf("set: %v", errSet)
			}
			first, errGet := store.Get(ctx, key)
			if errGet != nil {
				t.Fatalf("get: %v", errGet)
			}
			if !first.Found() {
				t.Fatalf("expected entry after set")
			}

			if errSet := store.Set(ctx, key, []byte(`{"a":2}`)); errSet != nil {
				t.Fatalf("second set: %v", errSet)
			}
			second, errGet := store.Get(ctx, key)
			if errGet != nil {
				t.Fatalf("get: %v", errGet)
			}
			if second.Version <= first.Version {
				t.Fatalf("expected version to grow, first=%d second=%d", first.Version, second.Version)
			}

			if errDelete := store.Delete(ctx, key); errDelete != nil {
				t.Fatalf("delete: %v", errDelete)
			}
			gone, errGet := store.Get(ctx, key)
			if errGet != nil {
				t.Fatalf("get after delete: %v", errGet)
			}
			if gone.Found() {
				t.Fatalf("expected entry to be deleted")
			}
		})
	}
}

func TestStoreListByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, code := range []string{"b_2", "a%1", "c-3"} {
				if errSet := SetJSON(ctx, store, Key("redeem_code", "B1", code), map[string]string{"code": code}); errSet != nil {
					t.Fatalf("set %s: %v", code, errSet)
				}
			}
			if errSet := SetJSON(ctx, store, Key("redeem_code", "B10", "x"), 1); errSet != nil {
				t.Fatalf("set other batch: %v", errSet)
			}

			entries, errList := store.List(ctx, Prefix("redeem_code", "B1"))
			if errList != nil {
				t.Fatalf("list: %v", errList)
			}
			if len(entries) != 3 {
				t.Fatalf("expected 3 entries, got %d", len(entries))
			}
			want := []string{"a%1", "b_2", "c-3"}
			for i, entry := range entries {
				if got := Last(entry.Key); got != want[i] {
					t.Fatalf("entry %d: expected %s, got %s", i, want[i], got)
				}
			}
		})
	}
}

func TestBatchCheckConflict(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			key := Key("redeem_batch_counter")

			ok, errCommit := store.Atomic().Check(key, 0).Set(key, []byte("1")).Commit(ctx)
			if errCommit != nil || !ok {
				t.Fatalf("first insert-if-absent: ok=%v err=%v", ok, errCommit)
			}
			ok, errCommit = store.Atomic().Check(key, 0).Set(key, []byte("2")).Commit(ctx)
			if errCommit != nil {
				t.Fatalf("second insert-if-absent: %v", errCommit)
			}
			if ok {
				t.Fatalf("expected insert-if-absent to fail on existing key")
			}

			current, errGet := store.Get(ctx, key)
			if errGet != nil {
				t.Fatalf("get: %v", errGet)
			}
			if string(current.Value) != "1" {
				t.Fatalf("expected value 1 to survive, got %s", current.Value)
			}

			other := Key("other")
			ok, errCommit = store.Atomic().
				Check(key, current.Version+1).
				Set(key, []byte("3")).
				Set(other, []byte("3")).
				Commit(ctx)
			if errCommit != nil || ok {
				t.Fatalf("expected stale check to fail: ok=%v err=%v", ok, errCommit)
			}
			otherEntry, errGet := store.Get(ctx, other)
			if errGet != nil {
				t.Fatalf("get other: %v", errGet)
			}
			if otherEntry.Found() {
				t.Fatalf("failed batch must not write any mutation")
			}

			ok, errCommit = store.Atomic().
				Check(key, current.Version).
				Set(key, []byte("3")).
				Delete(other).
				Commit(ctx)
			if errCommit != nil || !ok {
				t.Fatalf("expected matching check to commit: ok=%v err=%v", ok, errCommit)
			}
		})
	}
}

func TestStoreKeepsScalarJSONValues(t *testing.T) {
	ctx := context.Background()
	values := []string{`1`, `42`, `3.5`, `-7`, `true`, `"B1"`, `null`, `[1,2]`, `{"n":1}`}
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for i, value := range values {
				key := Key("scalar", fmt.Sprint(i))
				if errSet := store.Set(ctx, key, []byte(value)); errSet != nil {
					t.Fatalf("set %s: %v", value, errSet)
				}
				entry, errGet := store.Get(ctx, key)
				if errGet != nil {
					t.Fatalf("get %s: %v", value, errGet)
				}
				if string(entry.Value) != value {
					t.Fatalf("expected %s, got %s", value, entry.Value)
				}
			}

			// A counter that starts absent and is bumped with CAS, as batch ids are allocated.
			counter := Key("counter")
			for want := 1; want <= 3; want++ {
				var current int
				entry, errGet := GetJSON(ctx, store, counter, &current)
				if errGet != nil {
					t.Fatalf("read counter: %v", errGet)
				}
				ok, errCommit := store.Atomic().Check(counter, entry.Version).SetJSON(counter, current+1).Commit(ctx)
				if errCommit != nil || !ok {
					t.Fatalf("bump counter to %d: ok=%v err=%v", want, ok, errCommit)
				}
			}
			var final int
			if _, errGet := GetJSON(ctx, store, counter, &final); errGet != nil || final != 3 {
				t.Fatalf("expected counter 3, got %d (err %v)", final, errGet)
			}
		})
	}
}

func TestGormStoreAbsentCheckLosesToCompetingInsert(t *testing.T) {
	ctx := context.Background()
	store := newTestGormStore(t)
	key := Key("redeem_batch", "B1")
	sibling := Key("redeem_code", "B1", "AAAA")

	ran := false
	store.beforeWrite = func(tx *gorm.DB) error {
		if ran {
			return nil
		}
		ran = true
		// A competing writer inserted the key after our absence check.
		return tx.Exec("INSERT INTO kv_entries (key, value, version, updated_at) VALUES (?, ?, ?, ?)",
			key, `{"batchId":"B1"}`, 1, time.Now().UTC()).Error
	}

	ok, errCommit := store.Atomic().
		Check(key, 0).
		Set(key, []byte(`{"batchId":"B1","note":"mine"}`)).
		Set(sibling, []byte(`{"code":"AAAA"}`)).
		Commit(ctx)
	if errCommit != nil {
		t.Fatalf("commit: %v", errCommit)
	}
	if ok {
		t.Fatalf("insert over a competing row must fail the absence check")
	}
	if !ran {
		t.Fatalf("write hook did not run")
	}
	if entry, _ := store.Get(ctx, sibling); entry.Found() {
		t.Fatalf("failed batch must not write any mutation")
	}

	ok, errCommit = store.Atomic().Check(key, 0).Set(key, []byte(`{"batchId":"B1"}`)).Commit(ctx)
	if errCommit != nil || !ok {
		t.Fatalf("uncontended insert-if-absent: ok=%v err=%v", ok, errCommit)
	}
}

func TestBatchSetJSONMarshalError(t *testing.T) {
	store := NewMemoryStore()
	_, errCommit := store.Atomic().SetJSON(Key("bad"), make(chan int)).Commit(context.Background())
	if errCommit == nil {
		t.Fatalf("expected marshal error")
	}
}

func TestKeyEscapesSegments(t *testing.T) {
	key := Key("gemini_key_info", "AIza/with slash")
	if key != "gemini_key_info/AIza%2Fwith%20slash" {
		t.Fatalf("unexpected key %q", key)
	}
	parts := Parts(key)
	if len(parts) != 2 || parts[1] != "AIza/with slash" {
		t.Fatalf("unexpected parts %#v", parts)
	}
}

func TestOpenMemoryDSN(t *testing.T) {
	store, errOpen := Open(context.Background(), "memory://", "")
	if errOpen != nil {
		t.Fatalf("open: %v", errOpen)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}
