//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/workflowzen/wfzen/storage"
	"github.com/workflowzen/wfzen/storage/test"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func waitForDatabase(ctx context.Context, dsn string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, dsn)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func newContainerStorage(t *testing.T) *PGStorage {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("workflowzen"),
		postgrescontainer.WithUsername("wfzen"),
		postgrescontainer.WithPassword("wfzen"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, dsn))

	s, err := New(ctx, WithDSN(dsn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPGStorage(t *testing.T) {
	s := newContainerStorage(t)
	test.TestStorage(t, func() storage.Storage { return s })
}

func TestPGNewerSchema(t *testing.T) {
	ctx := context.Background()
	s := newContainerStorage(t)
	require.NoError(t, s.Migrate(ctx))

	_, err := s.pool.Exec(ctx, `UPDATE wfz_meta SET v = '99' WHERE k = 'version'`)
	require.NoError(t, err)

	err = s.Migrate(ctx)
	require.True(t, errors.Is(err, storage.ErrSchemaVersion), "have %v", err)
}

func TestNewEmptyDSN(t *testing.T) {
	_, err := New(context.Background())
	require.Error(t, err)
}
