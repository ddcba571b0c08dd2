//go:build integration

package outbox

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestFetchAndClaimLeasesBatch(t *testing.T) {
	ctx := context.Background()
	pool := setupOutboxDB(t, ctx)

	insertEvent(t, ctx, pool, "tile-claim-1")
	insertEvent(t, ctx, pool, "tile-claim-2")

	d := NewDispatcher(pool, nil, time.Second, 10)

	first, err := d.fetchAndClaim(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)

	// The batch is leased: a second poll within the lease window sees nothing,
	// so a concurrent dispatcher cannot double-deliver it.
	second, err := d.fetchAndClaim(ctx)
	require.NoError(t, err)
	require.Empty(t, second)

	// An expired lease makes the batch eligible again.
	_, err = pool.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() - INTERVAL '2 minutes'`)
	require.NoError(t, err)

	third, err := d.fetchAndClaim(ctx)
	require.NoError(t, err)
	require.Len(t, third, 2)

	// Published rows never come back, expired lease or not.
	require.NoError(t, d.markPublished(ctx, third))
	_, err = pool.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() - INTERVAL '2 minutes'`)
	require.NoError(t, err)

	fourth, err := d.fetchAndClaim(ctx)
	require.NoError(t, err)
	require.Empty(t, fourth)
}

func insertEvent(t *testing.T, ctx context.Context, pool *pgxpool.Pool, dedupeKey string) {
	t.Helper()
	_, err := pool.Exec(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, partition_key, payload, dedupe_key)
         VALUES ('tile', '8a2db4a4c927fff', $1, '8a2db4a4c927fff', '{}', $2)`,
		EventTileClaimed, dedupeKey)
	require.NoError(t, err)
}

func setupOutboxDB(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("territory"),
		postgrescontainer.WithUsername("territory"),
		postgrescontainer.WithPassword("territory"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	deadline := time.Now().Add(30 * time.Second)
	for {
		probe, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = probe.Ping(ctx)
			probe.Close()
			if err == nil {
				break
			}
		}
		require.True(t, time.Now().Before(deadline), "database did not become ready: %v", err)
		time.Sleep(time.Second)
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	migration, err := os.ReadFile(filepath.Join(filepath.Dir(file), "../../db/postgres/migrations/0001_init.up.sql"))
	require.NoError(t, err)

	_, err = pool.Exec(ctx, string(migration))
	require.NoError(t, err)

	return pool
}
