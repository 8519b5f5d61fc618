package kv

import (
	"context"
	"fmt"
	"strings"

	"github.com/router-for-me/GeminiRelay/internal/db"
)

// Open selects a backend from the DSN: redis:// or rediss:// for Redis, memory:// for the
// in-memory store, anything else is handed to db.Open and migrated.
func Open(ctx context.Context, dsn, namespace string) (Store, error) {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	switch {
	case trimmed == "":
		return nil, fmt.Errorf("kv: empty dsn")
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return OpenRedis(ctx, trimmed, namespace)
	case strings.HasPrefix(lower, "memory://"):
		return NewMemoryStore(), nil
	default:
		conn, errOpen := db.Open(ctx, trimmed)
		if errOpen != nil {
			return nil, errOpen
		}
		if errMigrate := db.Migrate(conn); errMigrate != nil {
			_ = db.Close(conn)
			return nil, errMigrate
		}
		return NewGormStore(conn), nil
	}
}
