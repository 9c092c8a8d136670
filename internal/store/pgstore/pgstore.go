package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	errorOperationStore = "store"
	errorSubjectCache   = "cache"
	errorCodeSchema     = "schema"
	errorCodeGet        = "get"
	errorCodePut        = "put"
	errorCodeDelete     = "delete"
	errorCodeList       = "list"
	errorCodeInvalid    = "invalid"

	sqlCreateCacheTable = `
		create table if not exists cache_entries(
			cache_key text primary key,
			value jsonb not null,
			updated_at timestamptz not null default now()
		)
	`

	sqlSelectEntry = `
		select value::text from cache_entries where cache_key = $1
	`

	sqlUpsertEntry = `
		insert into cache_entries(cache_key, value, updated_at)
		values ($1, $2::jsonb, now())
		on conflict (cache_key) do update set value = excluded.value, updated_at = excluded.updated_at
	`

	sqlDeleteEntry = `
		delete from cache_entries where cache_key = $1
	`

	sqlListEntries = `
		select cache_key, value::text
		from cache_entries
		where starts_with(cache_key, $1)
		order by cache_key asc
	`
)

// Store implements marketplace.CacheStore using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the cache table when missing.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlCreateCacheTable); err != nil {
		return wrapStoreError(errorCodeSchema, err)
	}
	return nil
}

func (store *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := store.pool.QueryRow(ctx, sqlSelectEntry, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, wrapStoreError(errorCodeGet, err)
	}
	return []byte(value), true, nil
}

func (store *Store) Put(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return wrapStoreError(errorCodeInvalid, marketplace.ErrInvalidConfig)
	}
	if !json.Valid(value) {
		return wrapStoreError(errorCodeInvalid, marketplace.ErrCorruptCache)
	}
	if _, err := store.pool.Exec(ctx, sqlUpsertEntry, key, string(value)); err != nil {
		return wrapStoreError(errorCodePut, err)
	}
	return nil
}

func (store *Store) Delete(ctx context.Context, key string) error {
	if _, err := store.pool.Exec(ctx, sqlDeleteEntry, key); err != nil {
		return wrapStoreError(errorCodeDelete, err)
	}
	return nil
}

func (store *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := store.pool.Query(ctx, sqlListEntries, prefix)
	if err != nil {
		return nil, wrapStoreError(errorCodeList, err)
	}
	defer rows.Close()

	entries := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value string
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, wrapStoreError(errorCodeList, err)
		}
		entries[key] = []byte(value)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorCodeList, err)
	}
	return entries, nil
}

func wrapStoreError(code string, err error) error {
	return marketplace.WrapError(errorOperationStore, errorSubjectCache, code, err)
}
