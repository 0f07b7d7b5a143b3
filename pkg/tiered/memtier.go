package tiered

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// slot holds one in-memory entry. The entry's identity fields never change
// after insertion; access bookkeeping is atomic so hits only need a read lock.
type slot struct {
	entry       *Entry
	accessCount atomic.Int64
	lastAccess  atomic.Int64
	expiresAt   atomic.Int64
}

func newSlot(e *Entry) *slot {
	s := &slot{entry: e}
	s.accessCount.Store(int64(e.AccessCount))
	s.lastAccess.Store(e.LastAccessedAt.UnixNano())
	s.expiresAt.Store(e.ExpiresAt.UnixNano())
	return s
}

func (s *slot) expired(now time.Time) bool {
	return now.UnixNano() >= s.expiresAt.Load()
}

func (s *slot) lastAccessed() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

// idleSince is the later of the last access and the slot's arrival in its tier
func (s *slot) idleSince() time.Time {
	last := s.lastAccessed()
	if s.entry.TierEnteredAt.After(last) {
		return s.entry.TierEnteredAt
	}
	return last
}

// snapshot copies the entry with the current bookkeeping values
func (s *slot) snapshot() *Entry {
	out := s.entry.clone()
	out.AccessCount = int(s.accessCount.Load())
	out.LastAccessedAt = time.Unix(0, s.lastAccess.Load()).UTC()
	out.ExpiresAt = time.Unix(0, s.expiresAt.Load()).UTC()
	return out
}

type memShard struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// memTier is one in-process tier: a sharded map for exact lookups plus a
// bounded recency set that limits the similarity scan
type memTier struct {
	tier   Tier
	shards []*memShard
	recent *lru.Cache[string, struct{}]
}

func newMemTier(tier Tier, shards, candidateLimit int) (*memTier, error) {
	if shards < 1 {
		shards = 1
	}
	recent, err := lru.New[string, struct{}](candidateLimit)
	if err != nil {
		return nil, err
	}
	m := &memTier{tier: tier, shards: make([]*memShard, shards), recent: recent}
	for i := range m.shards {
		m.shards[i] = &memShard{slots: make(map[string]*slot)}
	}
	return m, nil
}

func (m *memTier) shard(key string) *memShard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *memTier) get(key string) *slot {
	sh := m.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.slots[key]
}

// insert publishes s. The slot's entry must already carry this tier.
func (m *memTier) insert(s *slot) {
	sh := m.shard(s.entry.Key)
	sh.mu.Lock()
	sh.slots[s.entry.Key] = s
	sh.mu.Unlock()
	m.recent.Add(s.entry.Key, struct{}{})
}

// remove deletes the key. When want is non-nil the key is only removed if
// it still maps to that slot.
func (m *memTier) remove(key string, want *slot) *slot {
	sh := m.shard(key)
	sh.mu.Lock()
	s, ok := sh.slots[key]
	if ok && (want == nil || s == want) {
		delete(sh.slots, key)
	} else {
		s = nil
	}
	sh.mu.Unlock()
	if s != nil {
		m.recent.Remove(key)
	}
	return s
}

// touch records an access for recency ordering
func (m *memTier) touch(key string) {
	m.recent.Add(key, struct{}{})
}

// candidates returns the slots of the most recently used keys
func (m *memTier) candidates() []*slot {
	keys := m.recent.Keys()
	out := make([]*slot, 0, len(keys))
	for _, key := range keys {
		if s := m.get(key); s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m *memTier) len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.slots)
		sh.mu.RUnlock()
	}
	return n
}

// slots returns every slot. Each shard is copied under its own lock so the
// sweep never holds more than one shard at a time.
func (m *memTier) slots() []*slot {
	var out []*slot
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, s := range sh.slots {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}
