package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorOperationStore = "store"
	errorSubjectCache   = "cache"
	errorCodeGet        = "get"
	errorCodePut        = "put"
	errorCodeDelete     = "delete"
	errorCodeList       = "list"
	errorCodeInvalid    = "invalid"
	likeEscape          = `\`
)

// Store implements marketplace.CacheStore using GORM.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the cache table when missing.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError("migrate", err)
	}
	return nil
}

func (store *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry CacheEntry
	err := store.db.WithContext(ctx).
		Where("cache_key = ?", key).
		Take(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, wrapStoreError(errorCodeGet, err)
	}
	return []byte(entry.Value), true, nil
}

func (store *Store) Put(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return wrapStoreError(errorCodeInvalid, marketplace.ErrInvalidConfig)
	}
	if !json.Valid(value) {
		return wrapStoreError(errorCodeInvalid, marketplace.ErrCorruptCache)
	}
	entry := CacheEntry{
		CacheKey:  key,
		Value:     datatypes.JSON(value),
		UpdatedAt: store.nowFn(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return wrapStoreError(errorCodePut, err)
	}
	return nil
}

func (store *Store) Delete(ctx context.Context, key string) error {
	err := store.db.WithContext(ctx).
		Where("cache_key = ?", key).
		Delete(&CacheEntry{}).Error
	if err != nil {
		return wrapStoreError(errorCodeDelete, err)
	}
	return nil
}

func (store *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	var rows []CacheEntry
	err := store.db.WithContext(ctx).
		Where("cache_key LIKE ? ESCAPE '"+likeEscape+"'", escapeLike(prefix)+"%").
		Order("cache_key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorCodeList, err)
	}
	entries := make(map[string][]byte, len(rows))
	for _, row := range rows {
		entries[row.CacheKey] = []byte(row.Value)
	}
	return entries, nil
}

func wrapStoreError(code string, err error) error {
	return marketplace.WrapError(errorOperationStore, errorSubjectCache, code, err)
}

func escapeLike(raw string) string {
	replacer := strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")
	return replacer.Replace(raw)
}
