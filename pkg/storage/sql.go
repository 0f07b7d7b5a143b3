package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/context-engine/pkg/models"
)

// Queries are written with ? placeholders and rebound for the driver, so the
// same statements serve Postgres and SQLite.
const (
	getRecordQuery = `SELECT namespace, id, version, data, updated_at, updated_by
		FROM layer_records WHERE namespace = ? AND id = ? AND NOT deleted`
	// A deleted row is revived at its next version; a live row is left alone
	// and no version is returned.
	createRecordQuery = `INSERT INTO layer_records (namespace, id, version, data, updated_at, updated_by, deleted)
		VALUES (?, ?, 1, ?, ?, ?, FALSE)
		ON CONFLICT (namespace, id) DO UPDATE SET version = layer_records.version + 1,
			data = excluded.data, updated_at = excluded.updated_at, updated_by = excluded.updated_by, deleted = FALSE
		WHERE layer_records.deleted
		RETURNING version`
	updateRecordQuery = `UPDATE layer_records SET version = ?, data = ?, updated_at = ?, updated_by = ?
		WHERE namespace = ? AND id = ? AND version = ? AND NOT deleted`
	currentVersionQuery = `SELECT version FROM layer_records WHERE namespace = ? AND id = ? AND NOT deleted`
	deleteRecordQuery   = `UPDATE layer_records SET deleted = TRUE, updated_at = ?
		WHERE namespace = ? AND id = ? AND NOT deleted`

	appendEventQuery = `INSERT INTO layer_history (stream, data, created_at) VALUES (?, ?, ?) RETURNING seq`
	readEventsQuery  = `SELECT seq, stream, data, created_at FROM layer_history
		WHERE stream = ? ORDER BY seq DESC`
)

type recordRow struct {
	Namespace string    `db:"namespace"`
	ID        string    `db:"id"`
	Version   int64     `db:"version"`
	Data      []byte    `db:"data"`
	UpdatedAt time.Time `db:"updated_at"`
	UpdatedBy string    `db:"updated_by"`
}

type eventRow struct {
	Seq       int64     `db:"seq"`
	Stream    string    `db:"stream"`
	Data      []byte    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
}

// SQLStore is a VersionedStore over a SQL database holding the layer_records table
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgresStore wraps a Postgres connection. The schema comes from pkg/migrations.
func NewPostgresStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Get implements VersionedStore
func (s *SQLStore) Get(ctx context.Context, key Key) (*Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(getRecordQuery), key.Namespace, key.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, translateError(err, "get record")
	}
	return &Record{
		Key:       Key{Namespace: row.Namespace, ID: row.ID},
		Version:   row.Version,
		Data:      row.Data,
		UpdatedAt: row.UpdatedAt,
		UpdatedBy: row.UpdatedBy,
	}, nil
}

// Put implements VersionedStore
func (s *SQLStore) Put(ctx context.Context, rec Record, expectedVersion int64) (*Record, error) {
	rec.Version = expectedVersion + 1
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	if expectedVersion == 0 {
		err := s.db.QueryRowxContext(ctx, s.db.Rebind(createRecordQuery),
			rec.Key.Namespace, rec.Key.ID, rec.Data, rec.UpdatedAt, rec.UpdatedBy).Scan(&rec.Version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.conflict(ctx, rec.Key, expectedVersion)
		}
		if err != nil {
			return nil, translateError(err, "create record")
		}
		return &rec, nil
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(updateRecordQuery),
		rec.Version, rec.Data, rec.UpdatedAt, rec.UpdatedBy,
		rec.Key.Namespace, rec.Key.ID, expectedVersion)
	if err != nil {
		return nil, translateError(err, "put record")
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, translateError(err, "put record")
	}
	if rowsAffected == 0 {
		return nil, s.conflict(ctx, rec.Key, expectedVersion)
	}
	return &rec, nil
}

func (s *SQLStore) conflict(ctx context.Context, key Key, expectedVersion int64) error {
	var current int64
	err := s.db.GetContext(ctx, &current, s.db.Rebind(currentVersionQuery), key.Namespace, key.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return translateError(err, "check record version")
	}
	return &models.VersionConflictError{Key: key.String(), Expected: expectedVersion, Actual: current}
}

// Delete implements VersionedStore
func (s *SQLStore) Delete(ctx context.Context, key Key) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(deleteRecordQuery), s.now().UTC(), key.Namespace, key.ID)
	if err != nil {
		return translateError(err, "delete record")
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return translateError(err, "delete record")
	}
	if rowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Close implements VersionedStore
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// SQLLog is an AppendLog over the layer_history table
type SQLLog struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgresLog wraps a Postgres connection
func NewPostgresLog(db *sqlx.DB) *SQLLog {
	return &SQLLog{db: db, now: time.Now}
}

// Append implements AppendLog
func (l *SQLLog) Append(ctx context.Context, stream string, data []byte) (int64, error) {
	var seq int64
	err := l.db.QueryRowxContext(ctx, l.db.Rebind(appendEventQuery), stream, data, l.now().UTC()).Scan(&seq)
	if err != nil {
		return 0, translateError(err, "append event")
	}
	return seq, nil
}

// Read implements AppendLog
func (l *SQLLog) Read(ctx context.Context, stream string, limit int) ([]Event, error) {
	query := readEventsQuery
	args := []interface{}{stream}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []eventRow
	if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(query), args...); err != nil {
		return nil, translateError(err, "read events")
	}
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, Event{Stream: row.Stream, Seq: row.Seq, Data: row.Data, At: row.CreatedAt})
	}
	return events, nil
}

// translateError marks driver failures as ErrStoreUnavailable. Context
// errors pass through so callers can tell a timeout from an outage.
func translateError(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, models.ErrStoreUnavailable, err)
}
