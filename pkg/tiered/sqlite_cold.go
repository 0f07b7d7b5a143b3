package tiered

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const coldSchema = `
CREATE TABLE IF NOT EXISTS cold_entries (
	key           TEXT PRIMARY KEY,
	data          BLOB NOT NULL,
	last_accessed INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cold_entries_recent ON cold_entries (last_accessed);
CREATE INDEX IF NOT EXISTS idx_cold_entries_expiry ON cold_entries (expires_at);
`

// SQLiteColdStore keeps cold entries in an embedded database file.
// Timestamps are stored as unix milliseconds. Expired rows stay readable
// until swept; the cache checks expiry against its own clock.
type SQLiteColdStore struct {
	db *sqlx.DB
}

// OpenSQLiteColdStore opens or creates the file at path
func OpenSQLiteColdStore(path string) (*SQLiteColdStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cold store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(coldSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cold store schema: %w", err)
	}
	return &SQLiteColdStore{db: db}, nil
}

// Get implements ColdStore
func (s *SQLiteColdStore) Get(ctx context.Context, key string) (*Entry, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data,
		`SELECT data FROM cold_entries WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(data)
}

// Put implements ColdStore
func (s *SQLiteColdStore) Put(ctx context.Context, entry *Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cold_entries (key, data, last_accessed, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			data = excluded.data,
			last_accessed = excluded.last_accessed,
			expires_at = excluded.expires_at`,
		entry.Key, data, entry.idleSince().UnixMilli(), entry.ExpiresAt.UnixMilli())
	return err
}

// Delete implements ColdStore
func (s *SQLiteColdStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cold_entries WHERE key = ?`, key)
	return err
}

// Recent implements ColdStore
func (s *SQLiteColdStore) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	var rows [][]byte
	err := s.db.SelectContext(ctx, &rows, `
		SELECT data FROM cold_entries ORDER BY last_accessed DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(rows))
	for _, data := range rows {
		entry, err := decodeEntry(data)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Sweep implements ColdStore
func (s *SQLiteColdStore) Sweep(ctx context.Context, now, idleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cold_entries WHERE expires_at <= ? OR last_accessed < ?`,
		now.UnixMilli(), idleBefore.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Len implements ColdStore
func (s *SQLiteColdStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM cold_entries`)
	return n, err
}

// Close implements ColdStore
func (s *SQLiteColdStore) Close() error {
	return s.db.Close()
}

var _ ColdStore = (*SQLiteColdStore)(nil)
