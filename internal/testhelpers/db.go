package testhelpers

import (
	"context"
	"database/sql"
	"testing"

	"github.com/redis/go-redis/v9"

	"qrattend/internal/store"
)

// MigratedDB returns a pool on a fresh Postgres container with the schema
// applied.
func MigratedDB(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()
	db, err := store.NewDB(ctx, Postgres(t))
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := store.Migrate(ctx, db.Client); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db.Client
}

// RedisClient returns a client on a fresh Redis container.
func RedisClient(t *testing.T) *redis.Client {
	t.Helper()

	r := store.NewRedis(Redis(t))
	t.Cleanup(func() { _ = r.Close() })
	if !r.Healthy(context.Background()) {
		t.Fatal("Redis container is not answering PING")
	}
	return r.Client
}
