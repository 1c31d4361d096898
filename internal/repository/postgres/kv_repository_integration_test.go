//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"locsync/internal/domain"
	"locsync/internal/repository/postgres"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a PostgreSQL container and returns a migrated database
func setupPostgres(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "locsync",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connStr := fmt.Sprintf("postgres://test:test@%s:%s/locsync?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, 20*time.Second, 250*time.Millisecond)
	require.NoError(t, postgres.Migrate(ctx, db))

	cleanup := func() {
		db.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

func TestKVRepository_Integration(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()

	deviceA, err := postgres.NewKVRepository(db, "device-a")
	require.NoError(t, err)
	deviceB, err := postgres.NewKVRepository(db, "device-b")
	require.NoError(t, err)

	t.Run("round_trip", func(t *testing.T) {
		require.NoError(t, deviceA.SetMulti(ctx, map[string]string{
			domain.KeyAccessToken:  "access",
			domain.KeyRefreshToken: "refresh",
		}))
		got, err := deviceA.Get(ctx, domain.KeyRefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "refresh", got)
	})

	t.Run("namespaces_are_isolated", func(t *testing.T) {
		_, err := deviceB.Get(ctx, domain.KeyAccessToken)
		assert.ErrorIs(t, err, domain.ErrKeyNotFound)
	})

	t.Run("upsert_overwrites", func(t *testing.T) {
		require.NoError(t, deviceA.Set(ctx, domain.KeyAccessToken, "rotated"))
		got, err := deviceA.Get(ctx, domain.KeyAccessToken)
		require.NoError(t, err)
		assert.Equal(t, "rotated", got)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, deviceA.Delete(ctx, domain.KeyAccessToken, domain.KeyRefreshToken))
		_, err := deviceA.Get(ctx, domain.KeyAccessToken)
		assert.ErrorIs(t, err, domain.ErrKeyNotFound)
	})

	t.Run("migrate_is_idempotent", func(t *testing.T) {
		assert.NoError(t, postgres.Migrate(ctx, db))
	})
}
