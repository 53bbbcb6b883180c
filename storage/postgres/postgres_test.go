package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/hostlink/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("HOSTLINK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HOSTLINK_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}
	pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck

	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresStorage(t *testing.T) {
	storagetest.Run(t, newTestStore(t))
}
