// Package memstore keeps cache entries in process memory. It backs tests and
// the network-only mode used when no persistent cache is configured.
package memstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

// Store implements marketplace.CacheStore in memory.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]byte
	failErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[string][]byte)}
}

// FailWith makes every subsequent call return err (nil restores normal behavior).
func (store *Store) FailWith(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.failErr = err
}

// Seed writes a raw value without validation, for corruption tests.
func (store *Store) Seed(key string, value []byte) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.entries[key] = append([]byte(nil), value...)
}

func (store *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if store.failErr != nil {
		return nil, false, store.failErr
	}
	value, ok := store.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (store *Store) Put(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return marketplace.ErrCorruptCache
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failErr != nil {
		return store.failErr
	}
	store.entries[key] = append([]byte(nil), value...)
	return nil
}

func (store *Store) Delete(_ context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failErr != nil {
		return store.failErr
	}
	delete(store.entries, key)
	return nil
}

func (store *Store) List(_ context.Context, prefix string) (map[string][]byte, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if store.failErr != nil {
		return nil, store.failErr
	}
	entries := make(map[string][]byte)
	for key, value := range store.entries {
		if strings.HasPrefix(key, prefix) {
			entries[key] = append([]byte(nil), value...)
		}
	}
	return entries, nil
}
