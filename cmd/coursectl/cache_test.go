package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/clientconfig"
)

func TestResolveDialect(test *testing.T) {
	test.Parallel()
	dir := test.TempDir()
	testCases := []struct {
		name        string
		dsn         string
		wantDialect string
		wantPath    string
	}{
		{name: "postgres url", dsn: "postgres://user@localhost/db", wantDialect: dialectPostgres},
		{name: "postgresql url", dsn: "postgresql://user@localhost/db", wantDialect: dialectPostgres},
		{name: "sqlite absolute url", dsn: "sqlite://" + filepath.Join(dir, "a", "cache.db"), wantDialect: dialectSQLite, wantPath: filepath.Join(dir, "a", "cache.db")},
		{name: "plain path", dsn: filepath.Join(dir, "b.db"), wantDialect: dialectSQLite, wantPath: filepath.Join(dir, "b.db")},
		{name: "memory", dsn: sqliteMemoryPath, wantDialect: dialectSQLite, wantPath: sqliteMemoryPath},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			dialect, path, err := resolveDialect(testCase.dsn)
			if err != nil {
				test.Fatalf("resolve: %v", err)
			}
			if dialect != testCase.wantDialect || path != testCase.wantPath {
				test.Fatalf("resolve(%q) = %q %q", testCase.dsn, dialect, path)
			}
		})
	}
}

func TestOpenCacheRoundTripsThroughSQLite(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	cfg := clientconfig.Config{CacheDriver: clientconfig.CacheDriverGorm, CacheDSN: filepath.Join(test.TempDir(), "cache.db")}
	cache, cleanup, err := openCache(ctx, cfg)
	if err != nil {
		test.Fatalf("open cache: %v", err)
	}
	defer cleanup()
	if err := cache.Put(ctx, "snapshot:student-1", []byte(`{"courses":[]}`)); err != nil {
		test.Fatalf("put: %v", err)
	}
	raw, found, err := cache.Get(ctx, "snapshot:student-1")
	if err != nil || !found {
		test.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(raw) != `{"courses":[]}` {
		test.Fatalf("unexpected value %s", raw)
	}
}

func TestOpenCacheMemory(test *testing.T) {
	test.Parallel()
	cache, cleanup, err := openCache(context.Background(), clientconfig.Config{CacheDriver: clientconfig.CacheDriverMemory})
	if err != nil {
		test.Fatalf("open cache: %v", err)
	}
	defer cleanup()
	if _, found, _ := cache.Get(context.Background(), "missing"); found {
		test.Fatalf("memory cache must start empty")
	}
}
