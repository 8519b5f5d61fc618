package models

import (
	"database/sql/driver"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// KVEntry stores one versioned key/value record for the database-backed KV store.
type KVEntry struct {
	Key       string    `gorm:"type:varchar(512);primaryKey"` // Slash-joined escaped key.
	Value     KVValue   // JSON-encoded value.
	Version   int64     `gorm:"not null;default:1"`      // Monotonic version, bumped on every write.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last write timestamp.
}

// TableName pins the table name independent of naming strategy.
func (KVEntry) TableName() string { return "kv_entries" }

// KVValue is a raw JSON document: jsonb on PostgreSQL, text on SQLite so bare JSON
// numbers keep their text form instead of taking NUMERIC affinity.
type KVValue []byte

// GormDBDataType picks the column type per dialect.
func (KVValue) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "jsonb"
	}
	return "text"
}

// Value implements driver.Valuer.
func (v KVValue) Value() (driver.Value, error) {
	return datatypes.JSON(v).Value()
}

// Scan implements sql.Scanner. Numeric cells written before the column became text are
// rendered back to their JSON form.
func (v *KVValue) Scan(src any) error {
	switch n := src.(type) {
	case nil:
		*v = nil
		return nil
	case int64:
		*v = KVValue(strconv.FormatInt(n, 10))
		return nil
	case float64:
		*v = KVValue(strconv.FormatFloat(n, 'g', -1, 64))
		return nil
	}
	var doc datatypes.JSON
	if errScan := doc.Scan(src); errScan != nil {
		return errScan
	}
	*v = KVValue(doc)
	return nil
}
