package resolver

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/developer-mesh/context-engine/pkg/models"
)

type cachedResult struct {
	generation uint64
	expiresAt  time.Time
	resolved   *models.ResolvedContext
}

// resultCache deduplicates repeated resolutions. Any layer change bumps the
// generation, which invalidates every entry written before it.
type resultCache struct {
	mu         sync.Mutex
	entries    *lru.Cache[string, cachedResult]
	ttl        time.Duration
	now        func() time.Time
	generation atomic.Uint64
}

func newResultCache(size int, ttl time.Duration, now func() time.Time) (*resultCache, error) {
	entries, err := lru.New[string, cachedResult](size)
	if err != nil {
		return nil, err
	}
	return &resultCache{entries: entries, ttl: ttl, now: now}, nil
}

func (c *resultCache) currentGeneration() uint64 {
	return c.generation.Load()
}

func (c *resultCache) invalidate() {
	c.generation.Add(1)
}

func (c *resultCache) get(key string) (*models.ResolvedContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if entry.generation != c.generation.Load() || !c.now().Before(entry.expiresAt) {
		c.entries.Remove(key)
		return nil, false
	}
	return cloneResolved(entry.resolved), true
}

// put stores a result computed at generation. A result computed before a
// concurrent change is dropped.
func (c *resultCache) put(key string, generation uint64, resolved *models.ResolvedContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation.Load() {
		return
	}
	c.entries.Add(key, cachedResult{
		generation: generation,
		expiresAt:  c.now().Add(c.ttl),
		resolved:   cloneResolved(resolved),
	})
}

func (c *resultCache) len() int {
	return c.entries.Len()
}

func cloneResolved(r *models.ResolvedContext) *models.ResolvedContext {
	out := &models.ResolvedContext{
		Fields:     r.Fields.Clone(),
		Provenance: make(map[string]models.LayerKind, len(r.Provenance)),
		Layers:     make(map[models.LayerKind]models.LayerStatus, len(r.Layers)),
		ResolvedAt: r.ResolvedAt,
	}
	for k, v := range r.Provenance {
		out.Provenance[k] = v
	}
	for k, v := range r.Layers {
		out.Layers[k] = v
	}
	if r.Patterns != nil {
		out.Patterns = make([]models.Pattern, len(r.Patterns))
		for i, p := range r.Patterns {
			p.Metadata.Tags = append([]string(nil), p.Metadata.Tags...)
			out.Patterns[i] = p
		}
	}
	if r.Warnings != nil {
		out.Warnings = append([]string(nil), r.Warnings...)
	}
	return out
}
