package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Dialect names a SQL backend for the KV store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DetectDialect infers the SQL dialect of a DSN. Bare paths and file: DSNs are SQLite;
// postgres URLs and key=value connection strings are PostgreSQL.
func DetectDialect(dsn string) (Dialect, error) {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case lower == "":
		return "", fmt.Errorf("db: empty dsn")
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, nil
	case strings.Contains(lower, "host="), strings.Contains(lower, "dbname="), strings.Contains(lower, "sslmode="):
		return DialectPostgres, nil
	case strings.HasPrefix(lower, "file:"), strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "sqlite3://"):
		return DialectSQLite, nil
	case !strings.Contains(lower, "://"):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("db: unsupported dsn scheme in %q", redactDSN(dsn))
	}
}

// IsSQLite reports whether conn talks to SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return conn != nil && conn.Dialector != nil && Dialect(conn.Dialector.Name()) == DialectSQLite
}

// redactDSN keeps the scheme and drops everything after it, so credentials never reach logs.
func redactDSN(dsn string) string {
	if scheme, _, ok := strings.Cut(strings.TrimSpace(dsn), "://"); ok {
		return scheme + "://..."
	}
	return "..."
}
