package storage

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS layer_records (
	namespace  TEXT NOT NULL,
	id         TEXT NOT NULL,
	version    INTEGER NOT NULL,
	data       BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	updated_by TEXT NOT NULL DEFAULT '',
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (namespace, id)
);
CREATE TABLE IF NOT EXISTS layer_history (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	stream     TEXT NOT NULL,
	data       BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_layer_history_stream ON layer_history (stream, seq);
`

// OpenSQLite opens (creating if needed) an embedded database file and
// ensures the layer tables exist. The returned handle backs both
// NewSQLiteStore and NewSQLiteLog.
func OpenSQLite(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent layer writes
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return db, nil
}

// NewSQLiteStore returns a VersionedStore over an OpenSQLite handle
func NewSQLiteStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// NewSQLiteLog returns an AppendLog over an OpenSQLite handle
func NewSQLiteLog(db *sqlx.DB) *SQLLog {
	return &SQLLog{db: db, now: time.Now}
}
