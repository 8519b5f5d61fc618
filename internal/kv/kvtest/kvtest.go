// Package kvtest provides KV stores for tests that must hold on every backend.
package kvtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/router-for-me/GeminiRelay/internal/kv"
)

// RedisURLEnv names the variable that enables the Redis backend in tests.
const RedisURLEnv = "RELAY_TEST_REDIS_URL"

// Stores returns a fresh store per backend: in-memory, a SQLite file opened the way the
// default configuration opens it, and Redis when RELAY_TEST_REDIS_URL is set.
func Stores(t testing.TB) map[string]kv.Store {
	t.Helper()
	ctx := context.Background()

	sqliteStore, errOpen := kv.Open(ctx, filepath.Join(t.TempDir(), "relay.db"), "")
	if errOpen != nil {
		t.Fatalf("open sqlite store: %v", errOpen)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })

	stores := map[string]kv.Store{
		"memory": kv.NewMemoryStore(),
		"sqlite": sqliteStore,
	}
	if url := os.Getenv(RedisURLEnv); url != "" {
		namespace := fmt.Sprintf("relay-test-%d:", time.Now().UnixNano())
		redisStore, errRedis := kv.Open(ctx, url, namespace)
		if errRedis != nil {
			t.Fatalf("open redis store: %v", errRedis)
		}
		t.Cleanup(func() { _ = redisStore.Close() })
		stores["redis"] = redisStore
	}
	return stores
}

// Run calls fn as a subtest once per backend, in a stable order.
func Run(t *testing.T, fn func(t *testing.T, store kv.Store)) {
	t.Helper()
	stores := Stores(t)
	names := make([]string, 0, len(stores))
	for name := range stores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		store := stores[name]
		t.Run(name, func(t *testing.T) { fn(t, store) })
	}
}
