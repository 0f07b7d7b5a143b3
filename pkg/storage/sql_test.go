package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/context-engine/pkg/models"
)

func newMockStore(t *testing.T) (*SQLStore, *SQLLog, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "postgres")
	t.Cleanup(func() { _ = mockDB.Close() })

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := NewPostgresStore(db)
	store.now = func() time.Time { return fixed }
	log := NewPostgresLog(db)
	log.now = func() time.Time { return fixed }
	return store, log, mock
}

func TestPostgresStore_Get(t *testing.T) {
	store, _, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT namespace, id, version, data, updated_at, updated_by FROM layer_records WHERE namespace = \\$1 AND id = \\$2 AND NOT deleted").
		WithArgs("group", "g-1").
		WillReturnRows(sqlmock.NewRows([]string{"namespace", "id", "version", "data", "updated_at", "updated_by"}).
			AddRow("group", "g-1", 3, []byte(`{}`), now, "u-1"))
	mock.ExpectQuery("SELECT namespace").
		WithArgs("group", "missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT namespace").
		WithArgs("group", "down").
		WillReturnError(errors.New("connection refused"))

	rec, err := store.Get(context.Background(), Key{Namespace: "group", ID: "g-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version)

	_, err = store.Get(context.Background(), Key{Namespace: "group", ID: "missing"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = store.Get(context.Background(), Key{Namespace: "group", ID: "down"})
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutOptimisticLock(t *testing.T) {
	store, _, mock := newMockStore(t)
	ctx := context.Background()
	key := Key{Namespace: "individual", ID: "u-1"}

	mock.ExpectExec("UPDATE layer_records SET version = \\$1").
		WithArgs(int64(3), []byte(`{}`), sqlmock.AnyArg(), "u-1", "individual", "u-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := store.Put(ctx, Record{Key: key, Data: []byte(`{}`), UpdatedBy: "u-1"}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version)

	mock.ExpectExec("UPDATE layer_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM layer_records").
		WithArgs("individual", "u-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(5))

	_, err = store.Put(ctx, Record{Key: key, Data: []byte(`{}`)}, 2)
	var conflict *models.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(5), conflict.Actual)

	// Create against a live row returns no version
	mock.ExpectQuery("INSERT INTO layer_records").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT version FROM layer_records WHERE namespace = \\$1 AND id = \\$2 AND NOT deleted").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))

	_, err = store.Put(ctx, Record{Key: key, Data: []byte(`{}`)}, 0)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteKeepsVersion(t *testing.T) {
	store, _, mock := newMockStore(t)
	ctx := context.Background()
	key := Key{Namespace: "individual", ID: "alice"}

	mock.ExpectExec("UPDATE layer_records SET deleted = TRUE, updated_at = \\$1 WHERE namespace = \\$2 AND id = \\$3 AND NOT deleted").
		WithArgs(sqlmock.AnyArg(), "individual", "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE layer_records SET deleted = TRUE").
		WithArgs(sqlmock.AnyArg(), "individual", "alice").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Delete(ctx, key))
	assert.ErrorIs(t, store.Delete(ctx, key), models.ErrNotFound)

	// Recreating revives the row at the version after the deleted one
	mock.ExpectQuery("INSERT INTO layer_records (.+) ON CONFLICT \\(namespace, id\\) DO UPDATE SET version = layer_records.version \\+ 1(.+) WHERE layer_records.deleted RETURNING version").
		WithArgs("individual", "alice", []byte(`{"v":3}`), sqlmock.AnyArg(), "alice").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))

	rec, err := store.Put(ctx, Record{Key: key, Data: []byte(`{"v":3}`), UpdatedBy: "alice"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLog(t *testing.T) {
	_, log, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO layer_history \\(stream, data, created_at\\) VALUES \\(\\$1, \\$2, \\$3\\) RETURNING seq").
		WithArgs("layer:group:g-1", []byte("e1"), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(7))

	seq, err := log.Append(ctx, "layer:group:g-1", []byte("e1"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)

	mock.ExpectQuery("SELECT seq, stream, data, created_at FROM layer_history WHERE stream = \\$1 ORDER BY seq DESC LIMIT \\$2").
		WithArgs("layer:group:g-1", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "stream", "data", "created_at"}).
			AddRow(8, "layer:group:g-1", []byte("e2"), now).
			AddRow(7, "layer:group:g-1", []byte("e1"), now))

	events, err := log.Read(ctx, "layer:group:g-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(8), events[0].Seq)

	assert.NoError(t, mock.ExpectationsWereMet())
}
