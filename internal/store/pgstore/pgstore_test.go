package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const databaseURLEnv = "COURSEMARKET_TEST_DATABASE_URL"

func TestStoreAgainstPostgres(test *testing.T) {
	databaseURL := os.Getenv(databaseURLEnv)
	if databaseURL == "" {
		test.Skipf("%s not set", databaseURLEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	store := New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		test.Fatalf("schema: %v", err)
	}
	prefix := "pending:" + uuid.NewString() + ":"
	key := prefix + "course-1"
	test.Cleanup(func() { _ = store.Delete(context.Background(), key) })

	if err := store.Put(ctx, key, []byte(`{"attempts":1}`)); err != nil {
		test.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, key, []byte(`{"attempts":2}`)); err != nil {
		test.Fatalf("overwrite: %v", err)
	}
	value, found, err := store.Get(ctx, key)
	if err != nil || !found {
		test.Fatalf("expected hit, got found=%v err=%v", found, err)
	}
	if string(value) != `{"attempts": 2}` {
		test.Fatalf("unexpected value %s", value)
	}
	entries, err := store.List(ctx, prefix)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		test.Fatalf("expected one entry, got %d", len(entries))
	}
}
