package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/router-for-me/GeminiRelay/internal/db"
	"github.com/router-for-me/GeminiRelay/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errCheckFailed = errors.New("kv: check failed")

// GormStore persists entries in the kv_entries table.
type GormStore struct {
	db *gorm.DB
	// SQLite cannot upgrade a read transaction under contention, so commits are serialized.
	writeMu *sync.Mutex
	// beforeWrite runs inside the commit transaction after checks pass; tests use it to
	// interleave a competing writer.
	beforeWrite func(tx *gorm.DB) error
}

// NewGormStore wraps an open connection. The schema must be migrated with db.Migrate.
func NewGormStore(conn *gorm.DB) *GormStore {
	s := &GormStore{db: conn}
	if db.IsSQLite(conn) {
		s.writeMu = &sync.Mutex{}
	}
	return s
}

func (s *GormStore) Get(ctx context.Context, key string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}
	var row models.KVEntry
	errFind := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return Entry{Key: key}, nil
	}
	if errFind != nil {
		return Entry{}, fmt.Errorf("kv: get %s: %w", key, errFind)
	}
	return Entry{Key: row.Key, Value: []byte(row.Value), Version: row.Version}, nil
}

func (s *GormStore) Set(ctx context.Context, key string, value []byte) error {
	_, errCommit := s.Atomic().Set(key, value).Commit(ctx)
	return errCommit
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	_, errCommit := s.Atomic().Delete(key).Commit(ctx)
	return errCommit
}

func (s *GormStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	var rows []models.KVEntry
	q := s.db.WithContext(ctx).Model(&models.KVEntry{})
	if prefix != "" {
		q = q.Where("key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%")
	}
	if errFind := q.Order("key ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("kv: list %s: %w", prefix, errFind)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, Entry{Key: row.Key, Value: []byte(row.Value), Version: row.Version})
	}
	return out, nil
}

func (s *GormStore) Atomic() *Batch { return newBatch(s) }

func (s *GormStore) Close() error {
	sqlDB, errDB := s.db.DB()
	if errDB != nil {
		return errDB
	}
	return sqlDB.Close()
}

func (s *GormStore) commit(ctx context.Context, checks []Check, mutations []Mutation) (bool, error) {
	if s.writeMu != nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	now := time.Now().UTC()
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row locks cannot cover a key that does not exist yet, so writes to keys checked
		// as absent must insert without overwriting.
		mustInsert := make(map[string]bool)
		for _, check := range checks {
			var row models.KVEntry
			current := int64(0)
			errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("key = ?", check.Key).
				Take(&row).Error
			switch {
			case errFind == nil:
				current = row.Version
			case errors.Is(errFind, gorm.ErrRecordNotFound):
			default:
				return errFind
			}
			if current != check.Version {
				return errCheckFailed
			}
			if check.Version == 0 {
				mustInsert[check.Key] = true
			}
		}
		if s.beforeWrite != nil {
			if errHook := s.beforeWrite(tx); errHook != nil {
				return errHook
			}
		}
		for _, m := range mutations {
			if m.Delete {
				if errDelete := tx.Where("key = ?", m.Key).Delete(&models.KVEntry{}).Error; errDelete != nil {
					return errDelete
				}
				continue
			}
			version := now.UnixNano()
			row := models.KVEntry{
				Key:       m.Key,
				Value:     models.KVValue(m.Value),
				Version:   version,
				UpdatedAt: now,
			}
			if mustInsert[m.Key] {
				inserted := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "key"}},
					DoNothing: true,
				}).Create(&row)
				if inserted.Error != nil {
					return inserted.Error
				}
				if inserted.RowsAffected == 0 {
					return errCheckFailed
				}
				continue
			}
			errUpsert := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "key"}},
				DoUpdates: clause.Assignments(map[string]any{
					"value":      row.Value,
					"version":    gorm.Expr("CASE WHEN kv_entries.version >= ? THEN kv_entries.version + 1 ELSE ? END", version, version),
					"updated_at": now,
				}),
			}).Create(&row).Error
			if errUpsert != nil {
				return errUpsert
			}
		}
		return nil
	})
	if errors.Is(errTx, errCheckFailed) {
		return false, nil
	}
	if errTx != nil {
		return false, fmt.Errorf("kv: commit: %w", errTx)
	}
	return true, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
