package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pushkey-service/internal/storage/postgres"
	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

func setupMockDB(t *testing.T) (pgxmock.PgxPoolIface, *postgres.KeyStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, postgres.NewKeyStore(mock)
}

func TestKeyStore_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("Found", func(t *testing.T) {
		mock, store := setupMockDB(t)
		now := time.Now()

		mock.ExpectQuery(`SELECT token, created_at, updated_at FROM devices WHERE key = \$1`).
			WithArgs("key-1").
			WillReturnRows(pgxmock.NewRows([]string{"token", "created_at", "updated_at"}).
				AddRow("token-1", now, now))

		record, err := store.Get(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, "key-1", record.Key)
		assert.Equal(t, "token-1", record.Token)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Not found", func(t *testing.T) {
		mock, store := setupMockDB(t)

		mock.ExpectQuery(`SELECT token`).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, pushkey.ErrKeyNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Driver error", func(t *testing.T) {
		mock, store := setupMockDB(t)

		mock.ExpectQuery(`SELECT token`).
			WithArgs("key-1").
			WillReturnError(errors.New("connection reset"))

		_, err := store.Get(ctx, "key-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, pushkey.ErrKeyNotFound)
	})
}

func TestKeyStore_Put(t *testing.T) {
	ctx := context.Background()

	t.Run("Inserted", func(t *testing.T) {
		mock, store := setupMockDB(t)

		mock.ExpectExec(`INSERT INTO devices \(key, token\) VALUES \(\$1, \$2\) ON CONFLICT \(key\) DO NOTHING`).
			WithArgs("key-1", "token-1").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, store.Put(ctx, pushkey.DeviceRecord{Key: "key-1", Token: "token-1"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Collision fails closed", func(t *testing.T) {
		mock, store := setupMockDB(t)

		mock.ExpectExec(`INSERT INTO devices`).
			WithArgs("key-1", "token-2").
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		err := store.Put(ctx, pushkey.DeviceRecord{Key: "key-1", Token: "token-2"})
		assert.ErrorIs(t, err, pushkey.ErrKeyExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestKeyStore_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("Rotated", func(t *testing.T) {
		mock, store := setupMockDB(t)

		mock.ExpectExec(`UPDATE devices SET token = \$1, updated_at = now\(\) WHERE key = \$2`).
			WithArgs("token-2", "key-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.Update(ctx, "key-1", "token-2"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Unknown key", func(t *testing.T) {
		mock, store := setupMockDB(t)

		mock.ExpectExec(`UPDATE devices`).
			WithArgs("token-2", "missing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := store.Update(ctx, "missing", "token-2")
		assert.ErrorIs(t, err, pushkey.ErrKeyNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestKeyStore_EnsureSchema(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS devices`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
