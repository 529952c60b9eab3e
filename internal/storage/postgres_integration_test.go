//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"price-truth/internal/config"
)

// setupPostgres starts a throwaway PostgreSQL and applies the embedded migrations.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("pricetruth"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, Migrate(dsn), "迁移失败")
	// 再跑一次应当是 no-op
	require.NoError(t, Migrate(dsn))

	pool, err := NewPool(ctx, config.StorageConfig{DSN: dsn, MaxOpenConns: 4})
	require.NoError(t, err)
	store := NewPostgresStore(pool)
	t.Cleanup(store.Close)
	return store
}

func TestPostgresStoreIntegration(t *testing.T) {
	store := setupPostgres(t)
	exerciseStore(t, store)
}

func TestPostgresAdvisoryLockIntegration(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	key := LockKey("sku:AB-1")

	unlock, acquired, err := store.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := store.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	require.False(t, again, "同一个 key 不能被重复加锁")

	unlock()

	unlock2, acquired, err := store.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)
	unlock2()
}
