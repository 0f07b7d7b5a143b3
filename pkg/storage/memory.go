package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/developer-mesh/context-engine/pkg/models"
)

const memoryShards = 64

type recordShard struct {
	mu      sync.RWMutex
	records map[Key]Record
	// deleted keeps the last version of removed keys so a recreated record
	// continues the sequence
	deleted map[Key]int64
}

// MemoryStore is an in-process VersionedStore. Keys are spread over shards so
// writes to different owners do not contend on one lock.
type MemoryStore struct {
	shards [memoryShards]*recordShard
	now    func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &recordShard{records: make(map[Key]Record), deleted: make(map[Key]int64)}
	}
	return s
}

func (s *MemoryStore) shard(key Key) *recordShard {
	return s.shards[xxhash.Sum64String(key.String())%memoryShards]
}

// Get implements VersionedStore
func (s *MemoryStore) Get(ctx context.Context, key Key) (*Record, error) {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.records[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyRecord(rec), nil
}

// Put implements VersionedStore
func (s *MemoryStore) Put(ctx context.Context, rec Record, expectedVersion int64) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(rec.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current int64
	if existing, ok := sh.records[rec.Key]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return nil, &models.VersionConflictError{Key: rec.Key.String(), Expected: expectedVersion, Actual: current}
	}

	rec.Version = expectedVersion + 1
	if expectedVersion == 0 {
		rec.Version = sh.deleted[rec.Key] + 1
		delete(sh.deleted, rec.Key)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	stored := copyRecord(rec)
	sh.records[rec.Key] = *stored
	return copyRecord(rec), nil
}

// Delete implements VersionedStore
func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, ok := sh.records[key]
	if !ok {
		return models.ErrNotFound
	}
	delete(sh.records, key)
	sh.deleted[key] = existing.Version
	return nil
}

// Close implements VersionedStore
func (s *MemoryStore) Close() error { return nil }

func copyRecord(rec Record) *Record {
	out := rec
	out.Data = append([]byte(nil), rec.Data...)
	return &out
}

// MemoryLog is an in-process AppendLog
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string][]Event
	now     func() time.Time
}

// NewMemoryLog creates an empty log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{streams: make(map[string][]Event), now: time.Now}
}

// Append implements AppendLog
func (l *MemoryLog) Append(ctx context.Context, stream string, data []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := int64(len(l.streams[stream]) + 1)
	l.streams[stream] = append(l.streams[stream], Event{
		Stream: stream,
		Seq:    seq,
		Data:   append([]byte(nil), data...),
		At:     l.now(),
	})
	return seq, nil
}

// Read implements AppendLog
func (l *MemoryLog) Read(ctx context.Context, stream string, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.streams[stream]
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}
	out := make([]Event, 0, limit)
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, events[i])
	}
	return out, nil
}
