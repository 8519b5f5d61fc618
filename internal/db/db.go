// Package db opens the SQL connections behind the database-backed KV store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const pingTimeout = 5 * time.Second

type poolLimits struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
}

// SQLite allows a single writer at a time.
var dialectLimits = map[Dialect]poolLimits{
	DialectPostgres: {maxOpen: 25, maxIdle: 25, maxLifetime: 30 * time.Minute},
	DialectSQLite:   {maxOpen: 4, maxIdle: 4, maxLifetime: 30 * time.Minute},
}

var sqlitePragmas = []struct{ param, value string }{
	{"_busy_timeout", "5000"},
	{"_journal_mode", "WAL"},
	{"_synchronous", "NORMAL"},
}

// Open connects to the SQL database named by dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*gorm.DB, error) {
	dialect, errDetect := DetectDialect(dsn)
	if errDetect != nil {
		return nil, errDetect
	}
	dsn = strings.TrimSpace(dsn)

	var (
		conn    *gorm.DB
		errOpen error
	)
	switch dialect {
	case DialectPostgres:
		conn, errOpen = openPostgres(dsn)
	case DialectSQLite:
		conn, errOpen = openSQLite(dsn)
	}
	if errOpen != nil {
		return nil, errOpen
	}

	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return nil, fmt.Errorf("db: %s handle: %w", dialect, errDB)
	}
	limits := dialectLimits[dialect]
	sqlDB.SetMaxOpenConns(limits.maxOpen)
	sqlDB.SetMaxIdleConns(limits.maxIdle)
	sqlDB.SetConnMaxLifetime(limits.maxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if errPing := sqlDB.PingContext(pingCtx); errPing != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: ping %s: %w", dialect, errPing)
	}
	log.WithField("dialect", dialect).Debug("database connection ready")
	return conn, nil
}

// Close releases the pool behind conn.
func Close(conn *gorm.DB) error {
	if conn == nil {
		return nil
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return errDB
	}
	return sqlDB.Close()
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(log.WithField("component", "gorm"), logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

func openPostgres(dsn string) (*gorm.DB, error) {
	cfg, errParse := pgx.ParseConfig(dsn)
	if errParse != nil {
		return nil, fmt.Errorf("db: parse postgres dsn: %w", errParse)
	}
	cfg.RuntimeParams["timezone"] = "UTC"
	sqlDB := stdlib.OpenDB(*cfg)

	conn, errOpen := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig())
	if errOpen != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: open postgres: %w", errOpen)
	}
	return conn, nil
}

func openSQLite(dsn string) (*gorm.DB, error) {
	target := parseSQLiteDSN(dsn)
	if target.path != "" {
		if dir := filepath.Dir(target.path); dir != "." && dir != "" {
			if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
				return nil, fmt.Errorf("db: create sqlite dir: %w", errMkdir)
			}
		}
	}

	conn, errOpen := gorm.Open(sqlite.Open(target.String()), gormConfig())
	if errOpen != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return nil, fmt.Errorf("db: sqlite handle: %w", errDB)
	}
	if errPragma := applyPragmas(sqlDB); errPragma != nil {
		_ = sqlDB.Close()
		return nil, errPragma
	}
	return conn, nil
}

// sqliteTarget is a SQLite DSN split into the part before "?" and its query.
type sqliteTarget struct {
	base  string
	query string
	// path is the on-disk file, empty for in-memory databases.
	path string
}

func parseSQLiteDSN(dsn string) sqliteTarget {
	lower := strings.ToLower(dsn)
	for _, scheme := range []string{"sqlite3://", "sqlite://"} {
		if strings.HasPrefix(lower, scheme) {
			dsn = "file:" + dsn[len(scheme):]
			break
		}
	}
	base, query, _ := strings.Cut(dsn, "?")
	target := sqliteTarget{base: base, query: query}

	path := strings.TrimPrefix(base, "file:")
	path = strings.TrimPrefix(path, "//")
	inMemory := path == "" || path == ":memory:" || strings.Contains(strings.ToLower(query), "mode=memory")
	if !inMemory {
		target.path = path
	}
	return target
}

// String renders the DSN with any missing default pragma parameters appended.
func (t sqliteTarget) String() string {
	present := map[string]bool{}
	for _, part := range strings.Split(strings.ToLower(t.query), "&") {
		name, _, _ := strings.Cut(part, "=")
		if name != "" {
			present[name] = true
		}
	}
	params := make([]string, 0, len(sqlitePragmas)+1)
	if t.query != "" {
		params = append(params, t.query)
	}
	for _, pragma := range sqlitePragmas {
		if !present[pragma.param] {
			params = append(params, pragma.param+"="+pragma.value)
		}
	}
	return t.base + "?" + strings.Join(params, "&")
}

func applyPragmas(sqlDB *sql.DB) error {
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA busy_timeout=5000"} {
		if _, errExec := sqlDB.Exec(pragma); errExec != nil {
			return fmt.Errorf("db: sqlite %s: %w", pragma, errExec)
		}
	}
	return nil
}
