package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/clientconfig"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	dialectPostgres     = "postgres"
	dialectSQLite       = "sqlite"
	defaultSQLiteFile   = "coursemarket-cache.db"
	sqliteMemoryPath    = ":memory:"
	sqliteDirectoryMode = 0o755
)

// openCache returns the configured CacheStore and a cleanup func.
func openCache(ctx context.Context, cfg clientconfig.Config) (marketplace.CacheStore, func(), error) {
	switch cfg.CacheDriver {
	case clientconfig.CacheDriverMemory:
		return memstore.New(), func() {}, nil
	case clientconfig.CacheDriverPgx:
		pool, err := pgxpool.New(ctx, cfg.CacheDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("cache open: %w", err)
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		db, cleanup, err := openDatabase(ctx, cfg.CacheDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("cache open: %w", err)
		}
		store := gormstore.New(db)
		if err := store.Migrate(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		return store, cleanup, nil
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func(), error) {
	dialect, sqlitePath, err := resolveDialect(dsn)
	if err != nil {
		return nil, nil, err
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch dialect {
	case dialectPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case dialectSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", dialect)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDialect(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return dialectPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Host + u.Path
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return dialectSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return dialectSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == sqliteMemoryPath {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), sqliteDirectoryMode); err != nil {
		return "", err
	}
	return path, nil
}
