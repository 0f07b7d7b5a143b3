// Package storage provides the versioned record store and append-only log the
// layer managers persist through. Backends are swappable without touching
// manager logic: in-process memory, Postgres, and an embedded SQLite file.
package storage

import (
	"context"
	"time"
)

// Key addresses one record. Namespace is the owner kind, ID the owner id.
type Key struct {
	Namespace string
	ID        string
}

func (k Key) String() string {
	return k.Namespace + ":" + k.ID
}

// Record is a versioned opaque blob
type Record struct {
	Key       Key
	Version   int64
	Data      []byte
	UpdatedAt time.Time
	UpdatedBy string
}

// VersionedStore persists records under optimistic concurrency
type VersionedStore interface {
	// Get returns the record or models.ErrNotFound
	Get(ctx context.Context, key Key) (*Record, error)

	// Put writes rec if the stored version equals expectedVersion (0 means
	// the record must not exist yet) and returns the stored record with
	// Version = expectedVersion+1. Recreating a deleted key continues from
	// its last version, so a version number is never reused for a key. A
	// mismatch returns *models.VersionConflictError.
	Put(ctx context.Context, rec Record, expectedVersion int64) (*Record, error)

	// Delete removes the record, returning models.ErrNotFound if absent. The
	// key's last version is retained.
	Delete(ctx context.Context, key Key) error

	Close() error
}

// Event is one entry in an append-only stream
type Event struct {
	Stream string
	Seq    int64
	Data   []byte
	At     time.Time
}

// AppendLog is an append-only event log partitioned into named streams
type AppendLog interface {
	// Append adds an entry and returns its sequence number, which increases
	// within a stream
	Append(ctx context.Context, stream string, data []byte) (int64, error)

	// Read returns up to limit entries of the stream, newest first.
	// limit <= 0 returns all.
	Read(ctx context.Context, stream string, limit int) ([]Event, error)
}
