// Package tiered implements the tiered retrieval cache: hot and warm tiers
// in process memory, a durable cold tier behind ColdStore, exact and
// similarity lookup, TTL expiry, and promotion/demotion between tiers.
//
// Every lookup is filtered through the privacy guard, so an entry is only
// ever returned to a requester allowed to read its scope.
//
// Cache is safe for concurrent use. Lookups take per-shard read locks;
// writes to one key are serialized by a striped key lock and never block
// writes to other keys.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/observability"
	"github.com/developer-mesh/context-engine/pkg/privacy"
)

const keyLockStripes = 256

// Options configures a Cache
type Options struct {
	Config Config
	// Cold is the durable tier. Nil runs the cache with hot and warm only.
	Cold    ColdStore
	Guard   *privacy.Guard
	Logger  observability.Logger
	Metrics observability.MetricsClient
	Clock   func() time.Time
}

// accessJob is deferred bookkeeping for a hit outside the hot tier
type accessJob struct {
	key       string
	from      Tier
	slot      *slot
	createdAt time.Time
	at        time.Time
}

// Cache is the tiered retrieval cache
type Cache struct {
	config  Config
	hot     *memTier
	warm    *memTier
	cold    *guardedCold
	guard   *privacy.Guard
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time

	keyLocks [keyLockStripes]sync.Mutex
	jobs     chan accessJob

	hits         atomic.Int64
	misses       atomic.Int64
	promotions   atomic.Int64
	demotions    atomic.Int64
	evictions    atomic.Int64
	dropped      atomic.Int64
	latencyTotal atomic.Int64
	latencyCount atomic.Int64

	lifecycleMu sync.Mutex
	running     bool
	stop        chan struct{}
	wg          sync.WaitGroup
}

// New creates a cache. Call Start to run the promotion worker and sweeper.
func New(opts Options) (*Cache, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	if opts.Guard == nil {
		return nil, errors.New("tiered cache requires a privacy guard")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Config.PromotionQueueSize <= 0 {
		opts.Config.PromotionQueueSize = 1024
	}

	hot, err := newMemTier(TierHot, opts.Config.Shards, opts.Config.CandidateLimit)
	if err != nil {
		return nil, err
	}
	warm, err := newMemTier(TierWarm, opts.Config.Shards, opts.Config.CandidateLimit)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.WithPrefix("tiered")
	c := &Cache{
		config:  opts.Config,
		hot:     hot,
		warm:    warm,
		guard:   opts.Guard,
		logger:  logger,
		metrics: opts.Metrics,
		now:     opts.Clock,
		jobs:    make(chan accessJob, opts.Config.PromotionQueueSize),
	}
	if opts.Cold != nil {
		c.cold = newGuardedCold(opts.Cold, opts.Config.ColdTimeout, logger)
	}
	return c, nil
}

func (c *Cache) lockFor(key string) *sync.Mutex {
	return &c.keyLocks[xxhash.Sum64String(key)%keyLockStripes]
}

// Get looks the key up in hot, warm, then cold. On an exact miss with an
// embedding it scans each tier's most recent candidates for the most
// similar entry at or above the threshold.
//
// A miss returns nil, nil. If the cold tier could not be consulted on a
// miss the error wraps models.ErrStoreUnavailable; hot and warm hits are
// served regardless of cold tier health.
func (c *Cache) Get(ctx context.Context, requester models.PrivacyScope, key string, embedding []float32) (*Entry, error) {
	return c.GetFiltered(ctx, requester, key, embedding, "")
}

// GetFiltered is Get with the similarity scan restricted to entries stored
// under filter. Exact key hits are returned whatever their filter.
func (c *Cache) GetFiltered(ctx context.Context, requester models.PrivacyScope, key string, embedding []float32, filter string) (*Entry, error) {
	ctx, span := observability.StartSpan(ctx, "tiered_cache.get")
	defer span.End()
	start := time.Now()
	defer c.recordLatency(start)

	now := c.now()
	for _, tier := range []*memTier{c.hot, c.warm} {
		if entry := c.lookupMemory(ctx, tier, requester, key, now); entry != nil {
			c.recordHit(tier.tier, "exact")
			return entry, nil
		}
	}

	var coldErr error
	if c.cold != nil {
		entry, err := c.lookupCold(ctx, requester, key, now)
		if err != nil {
			coldErr = err
		} else if entry != nil {
			c.recordHit(TierCold, "exact")
			return entry, nil
		}
	}

	if len(embedding) > 0 {
		entry, err := c.lookupSimilar(ctx, requester, embedding, filter, now)
		if err != nil && coldErr == nil {
			coldErr = err
		}
		if entry != nil {
			c.recordHit(entry.Tier, "similarity")
			span.SetAttribute("similarity_hit", true)
			return entry, nil
		}
	}

	c.recordMiss(coldErr != nil)
	if coldErr != nil {
		span.RecordError(coldErr)
		return nil, coldErr
	}
	return nil, nil
}

// Peek returns the live entry stored under key without counting an access.
// Hit and miss statistics, expiry and tier placement are left untouched.
// A miss, or an entry the requester cannot read, is nil, nil.
func (c *Cache) Peek(ctx context.Context, requester models.PrivacyScope, key string) (*Entry, error) {
	now := c.now()
	for _, tier := range []*memTier{c.hot, c.warm} {
		s := tier.get(key)
		if s == nil || s.expired(now) {
			continue
		}
		if !c.guard.CanRead(ctx, requester, s.entry.Scope) {
			return nil, nil
		}
		return s.snapshot(), nil
	}

	if c.cold == nil {
		return nil, nil
	}
	entry, err := c.cold.Get(ctx, key)
	if errors.Is(err, models.ErrCorruptEntry) {
		return nil, nil
	}
	if err != nil || entry == nil || entry.expired(now) {
		return nil, err
	}
	if !c.guard.CanRead(ctx, requester, entry.Scope) {
		return nil, nil
	}
	return entry, nil
}

func (c *Cache) lookupMemory(ctx context.Context, tier *memTier, requester models.PrivacyScope, key string, now time.Time) *Entry {
	s := tier.get(key)
	if s == nil {
		return nil
	}
	if s.expired(now) {
		if tier.remove(key, s) != nil {
			c.evictions.Add(1)
		}
		return nil
	}
	if !c.guard.CanRead(ctx, requester, s.entry.Scope) {
		c.logDenied(requester, s.entry.Scope)
		return nil
	}
	return c.access(tier, s, now)
}

// access records a hit on an in-memory slot. Expiry slides forward by the
// tier's TTL; promotion is handed to the worker.
func (c *Cache) access(tier *memTier, s *slot, now time.Time) *Entry {
	count := s.accessCount.Add(1)
	s.lastAccess.Store(now.UnixNano())
	s.expiresAt.Store(now.Add(c.config.TTL(tier.tier)).UnixNano())
	tier.touch(s.entry.Key)

	if tier.tier != TierHot && count >= int64(c.config.PromotionAccessCount) {
		c.enqueue(accessJob{key: s.entry.Key, from: tier.tier, slot: s, at: now})
	}
	return s.snapshot()
}

func (c *Cache) lookupCold(ctx context.Context, requester models.PrivacyScope, key string, now time.Time) (*Entry, error) {
	entry, err := c.cold.Get(ctx, key)
	if errors.Is(err, models.ErrCorruptEntry) {
		c.evictCorrupt(ctx, key, err)
		return nil, nil
	}
	if err != nil || entry == nil {
		return nil, err
	}
	if entry.expired(now) {
		if err := c.cold.Delete(ctx, key); err == nil {
			c.evictions.Add(1)
		}
		return nil, nil
	}
	if !c.guard.CanRead(ctx, requester, entry.Scope) {
		c.logDenied(requester, entry.Scope)
		return nil, nil
	}
	return c.accessCold(entry, now), nil
}

// accessCold returns the entry as it will look once the worker persists the hit
func (c *Cache) accessCold(entry *Entry, now time.Time) *Entry {
	c.enqueue(accessJob{key: entry.Key, from: TierCold, createdAt: entry.CreatedAt, at: now})
	out := entry.clone()
	out.AccessCount++
	out.LastAccessedAt = now
	out.ExpiresAt = now.Add(c.config.ColdTTL)
	return out
}

func (c *Cache) lookupSimilar(ctx context.Context, requester models.PrivacyScope, embedding []float32, filter string, now time.Time) (*Entry, error) {
	readable := make(map[models.PrivacyScope]bool)
	canRead := func(scope models.PrivacyScope) bool {
		allowed, seen := readable[scope]
		if !seen {
			allowed = c.guard.CanRead(ctx, requester, scope)
			readable[scope] = allowed
		}
		return allowed
	}

	var best *candidate
	consider := func(cand candidate, entry *Entry) {
		if entry.Filter != filter || len(entry.Embedding) != len(embedding) || !canRead(entry.Scope) {
			return
		}
		vector := entry.Embedding
		cand.similarity = cosineSimilarity(embedding, vector)
		if cand.similarity < c.config.SimilarityThreshold {
			return
		}
		if best == nil || cand.better(*best) {
			best = &cand
		}
	}

	for _, tier := range []*memTier{c.hot, c.warm} {
		for _, s := range tier.candidates() {
			if s.expired(now) {
				continue
			}
			consider(candidate{key: s.entry.Key, lastAccess: s.lastAccessed(), slot: s, tier: tier}, s.entry)
		}
	}

	var coldErr error
	if c.cold != nil {
		entries, err := c.cold.Recent(ctx, c.config.CandidateLimit)
		if err != nil {
			coldErr = err
		}
		for _, e := range entries {
			if e.expired(now) {
				continue
			}
			consider(candidate{key: e.Key, lastAccess: e.LastAccessedAt, cold: e}, e)
		}
	}

	if best == nil {
		return nil, coldErr
	}
	if best.slot != nil {
		return c.access(best.tier, best.slot, now), nil
	}
	return c.accessCold(best.cold, now), nil
}

// Put stores a payload produced by the requester. Writing into a scope
// requires write access to it. The entry replaces any existing entry for the
// key in every tier and starts in the configured initial tier.
func (c *Cache) Put(ctx context.Context, requester models.PrivacyScope, key string, payload []byte, embedding []float32, scope models.PrivacyScope) error {
	if err := c.validatePut(key, scope); err != nil {
		return err
	}
	if err := c.guard.AuthorizeWrite(ctx, "cache_put", requester, scope); err != nil {
		return err
	}
	return c.store(ctx, key, "", payload, embedding, scope)
}

// Fill stores a result derived from documents the requester was allowed to
// read, such as a semantic store answer, under filter. It requires read
// access to scope.
func (c *Cache) Fill(ctx context.Context, requester models.PrivacyScope, key, filter string, payload []byte, embedding []float32, scope models.PrivacyScope) error {
	if err := c.validatePut(key, scope); err != nil {
		return err
	}
	if !c.guard.CanRead(ctx, requester, scope) {
		return &models.PrivacyViolationError{Op: "cache_fill", Requester: requester, Target: scope}
	}
	return c.store(ctx, key, filter, payload, embedding, scope)
}

func (c *Cache) validatePut(key string, scope models.PrivacyScope) error {
	if key == "" {
		return fmt.Errorf("%w: empty cache key", models.ErrInvalidField)
	}
	return scope.Validate()
}

func (c *Cache) store(ctx context.Context, key, filter string, payload []byte, embedding []float32, scope models.PrivacyScope) error {
	ctx, span := observability.StartSpan(ctx, "tiered_cache.put")
	defer span.End()

	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	now := c.now()
	entry := &Entry{
		Key:            key,
		Payload:        append([]byte(nil), payload...),
		Scope:          scope,
		Filter:         filter,
		CreatedAt:      now,
		LastAccessedAt: now,
		TierEnteredAt:  now,
	}
	if len(embedding) > 0 {
		entry.Embedding = append([]float32(nil), embedding...)
	}

	c.hot.remove(key, nil)
	c.warm.remove(key, nil)

	tier := c.config.InitialTier
	if tier == TierCold {
		if c.cold != nil {
			entry.Tier = TierCold
			entry.ExpiresAt = now.Add(c.config.ColdTTL)
			err := c.cold.Put(ctx, entry)
			if err == nil {
				c.metrics.IncrementCounterWithLabels("tiered_cache.puts", 1, map[string]string{"tier": string(TierCold)})
				return nil
			}
			c.logger.Warn("Cold tier write failed, storing in warm tier", map[string]interface{}{
				"error": err.Error(),
			})
		}
		tier = TierWarm
	} else if c.cold != nil && c.cold.available() {
		if err := c.cold.Delete(ctx, key); err != nil {
			c.logger.Debug("Failed to clear cold copy", map[string]interface{}{"error": err.Error()})
		}
	}

	entry.Tier = tier
	entry.ExpiresAt = now.Add(c.config.TTL(tier))
	target := c.warm
	if tier == TierHot {
		target = c.hot
	}
	target.insert(newSlot(entry))
	c.metrics.IncrementCounterWithLabels("tiered_cache.puts", 1, map[string]string{"tier": string(tier)})
	return nil
}

// Invalidate removes the key from every tier. Memory tiers are always
// cleared; an error means the cold copy could not be removed.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	c.hot.remove(key, nil)
	c.warm.remove(key, nil)
	if c.cold != nil {
		return c.cold.Delete(ctx, key)
	}
	return nil
}

// InvalidateScope drops every hot and warm entry belonging to scope and
// returns how many were removed. Cold entries age out through the sweeper.
func (c *Cache) InvalidateScope(scope models.PrivacyScope) int {
	removed := 0
	for _, tier := range []*memTier{c.hot, c.warm} {
		for _, s := range tier.slots() {
			if s.entry.Scope.Equal(scope) && tier.remove(s.entry.Key, s) != nil {
				removed++
			}
		}
	}
	return removed
}

// Stats reports hit rate, entries per tier and average Get latency
func (c *Cache) Stats(ctx context.Context) Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := Stats{
		Hits:   hits,
		Misses: misses,
		TierCounts: map[Tier]int{
			TierHot:  c.hot.len(),
			TierWarm: c.warm.len(),
			TierCold: 0,
		},
		Promotions: c.promotions.Load(),
		Demotions:  c.demotions.Load(),
		Evictions:  c.evictions.Load(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if n := c.latencyCount.Load(); n > 0 {
		stats.AvgLatency = time.Duration(c.latencyTotal.Load() / n)
	}
	if c.cold != nil && c.cold.available() {
		if n, err := c.cold.Len(ctx); err == nil {
			stats.TierCounts[TierCold] = n
			stats.ColdAvailable = true
		}
	}
	return stats
}

func (c *Cache) evictCorrupt(ctx context.Context, key string, cause error) {
	c.logger.Error("Corrupt cold entry evicted", map[string]interface{}{
		"key":   key,
		"error": cause.Error(),
	})
	if err := c.cold.Delete(ctx, key); err == nil {
		c.evictions.Add(1)
	}
}

func (c *Cache) logDenied(requester, document models.PrivacyScope) {
	c.logger.Debug("Cache entry filtered by privacy guard", map[string]interface{}{
		"requester_kind": string(requester.Kind),
		"owner_kind":     string(document.Kind),
	})
}

func (c *Cache) enqueue(job accessJob) {
	select {
	case c.jobs <- job:
	default:
		c.dropped.Add(1)
		c.metrics.IncrementCounterWithLabels("tiered_cache.access_dropped", 1, nil)
	}
}

func (c *Cache) recordHit(tier Tier, match string) {
	c.hits.Add(1)
	c.metrics.IncrementCounterWithLabels("tiered_cache.hits", 1, map[string]string{
		"tier":  string(tier),
		"match": match,
	})
}

func (c *Cache) recordMiss(degraded bool) {
	c.misses.Add(1)
	c.metrics.IncrementCounterWithLabels("tiered_cache.misses", 1, map[string]string{
		"degraded": strconv.FormatBool(degraded),
	})
}

func (c *Cache) recordLatency(start time.Time) {
	elapsed := time.Since(start)
	c.latencyTotal.Add(int64(elapsed))
	c.latencyCount.Add(1)
	c.metrics.RecordDuration("tiered_cache.get_duration", elapsed, nil)
}
