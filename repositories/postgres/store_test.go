package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/funding-control-plane/repositories"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewStore(WrapDB(sqlDB, zap.NewNop()), zap.NewNop()), mock
}

func TestStore_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM documents WHERE collection = $1 AND key = $2")).
			WithArgs("transactions", "TX-1").
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"id":"TX-1"}`)))

		got, err := store.Get(ctx, "transactions", "TX-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"TX-1"}`, string(got))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM documents")).
			WithArgs("transactions", "TX-404").
			WillReturnRows(sqlmock.NewRows([]string{"value"}))

		_, err := store.Get(ctx, "transactions", "TX-404")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM documents")).
			WillReturnError(errors.New("connection reset"))

		_, err := store.Get(ctx, "transactions", "TX-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, repositories.ErrNotFound)
		assert.Contains(t, err.Error(), "connection reset")
	})
}

func TestStore_Put(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents (collection, key, value, updated_at)")).
		WithArgs("settlements", "CS-1", `{"id":"CS-1"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Put(context.Background(), "settlements", "CS-1", []byte(`{"id":"CS-1"}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Delete(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents WHERE collection = $1 AND key = $2")).
		WithArgs("audit_events", repositories.SequenceKey(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Delete(context.Background(), "audit_events", repositories.SequenceKey(1)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Scan(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value FROM documents WHERE collection = $1 ORDER BY key")).
		WithArgs("pipelines").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("FUND-1", []byte(`{"id":"FUND-1"}`)).
			AddRow("FUND-2", []byte(`{"id":"FUND-2"}`)))

	var keys []string
	err := store.Scan(context.Background(), "pipelines", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"FUND-1", "FUND-2"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Batch(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents")).
			WithArgs("audit_events", repositories.SequenceKey(3), `{}`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents")).
			WithArgs("audit_events", repositories.SequenceKey(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := repositories.RunBatch(ctx, store, func(ctx context.Context) error {
			if err := store.Put(ctx, "audit_events", repositories.SequenceKey(3), []byte(`{}`)); err != nil {
				return err
			}
			return store.Delete(ctx, "audit_events", repositories.SequenceKey(1))
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents")).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := store.Batch(ctx, func(ctx context.Context) error {
			return store.Put(ctx, "audit_events", "k", []byte(`{}`))
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_HealthCheck(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	store := NewStore(WrapDB(sqlDB, zap.NewNop()), zap.NewNop())
	require.NoError(t, store.HealthCheck(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
