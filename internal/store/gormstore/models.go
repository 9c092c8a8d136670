package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// CacheEntry mirrors the cache_entries table.
type CacheEntry struct {
	CacheKey  string         `gorm:"primaryKey;size:512"`
	Value     datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time      `gorm:"not null;index:idx_cache_entries_updated"`
}

func (CacheEntry) TableName() string { return "cache_entries" }

// Models lists every table this store owns, for AutoMigrate.
func Models() []any {
	return []any{&CacheEntry{}}
}
