package db

import (
	"fmt"

	"github.com/router-for-me/GeminiRelay/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the schema used by the database-backed KV store.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	migrator := conn.Migrator()
	// Early deployments stored unversioned rows; backfill the column before AutoMigrate
	// so existing rows get a usable version.
	if migrator.HasTable(&models.KVEntry{}) && !migrator.HasColumn(&models.KVEntry{}, "Version") {
		if errAdd := migrator.AddColumn(&models.KVEntry{}, "Version"); errAdd != nil {
			return fmt.Errorf("db: add kv_entries.version: %w", errAdd)
		}
		if errFill := conn.Exec("UPDATE kv_entries SET version = 1 WHERE version IS NULL OR version = 0").Error; errFill != nil {
			return fmt.Errorf("db: backfill kv_entries.version: %w", errFill)
		}
	}
	if errMigrate := conn.AutoMigrate(&models.KVEntry{}); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
