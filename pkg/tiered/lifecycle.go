package tiered

import (
	"context"
	"time"
)

// Start runs the access worker and the periodic sweeper. It is a no-op if
// the cache is already running.
func (c *Cache) Start() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})

	c.wg.Add(2)
	go c.accessWorker(c.stop)
	go c.sweeper(c.stop)
}

// Stop halts background work and waits for it to finish. Pending access
// bookkeeping is discarded. The cold store is not closed.
func (c *Cache) Stop() {
	c.lifecycleMu.Lock()
	if !c.running {
		c.lifecycleMu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	c.lifecycleMu.Unlock()

	c.wg.Wait()
}

func (c *Cache) accessWorker(stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-c.jobs:
			c.processAccess(job)
		}
	}
}

func (c *Cache) sweeper(stop <-chan struct{}) {
	defer c.wg.Done()
	interval := c.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Sweep(context.Background())
		}
	}
}

// processAccess applies one deferred hit: promotion for memory tiers,
// persisted bookkeeping (and possibly promotion) for the cold tier
func (c *Cache) processAccess(job accessJob) {
	lock := c.lockFor(job.key)
	lock.Lock()
	defer lock.Unlock()

	target := c.memTier(job.from.hotter())
	if target == nil {
		return
	}

	switch job.from {
	case TierWarm:
		if c.warm.get(job.key) != job.slot {
			return
		}
		if job.slot.accessCount.Load() < int64(c.config.PromotionAccessCount) {
			return
		}
		if c.warm.remove(job.key, job.slot) == nil {
			return
		}
		promoted := job.slot.snapshot()
		c.insertReset(target, promoted)
		c.promotions.Add(1)

	case TierCold:
		if c.cold == nil {
			return
		}
		ctx := context.Background()
		current, err := c.cold.Get(ctx, job.key)
		if err != nil || current == nil || !current.CreatedAt.Equal(job.createdAt) {
			return
		}
		current.AccessCount++
		current.LastAccessedAt = job.at
		current.ExpiresAt = job.at.Add(c.config.ColdTTL)

		if current.AccessCount < c.config.PromotionAccessCount {
			if err := c.cold.Put(ctx, current); err != nil {
				c.logger.Debug("Failed to persist cold access", map[string]interface{}{
					"key":   job.key,
					"error": err.Error(),
				})
			}
			return
		}
		if err := c.cold.Delete(ctx, job.key); err != nil {
			return
		}
		c.insertReset(target, current)
		c.promotions.Add(1)
	}
}

// memTier returns the in-process tier for t, or nil for cold and ""
func (c *Cache) memTier(t Tier) *memTier {
	switch t {
	case TierHot:
		return c.hot
	case TierWarm:
		return c.warm
	default:
		return nil
	}
}

// insertReset moves e into tier with a fresh TTL window and zero access count
func (c *Cache) insertReset(tier *memTier, e *Entry) {
	now := c.now()
	e.Tier = tier.tier
	e.AccessCount = 0
	e.TierEnteredAt = now
	e.ExpiresAt = now.Add(c.config.TTL(tier.tier))
	tier.insert(newSlot(e))
	c.logger.Debug("Entry promoted", map[string]interface{}{
		"key":  e.Key,
		"tier": string(tier.tier),
	})
}

// Sweep evicts expired entries and demotes idle ones. Idle time counts from
// the later of the last access and the entry's arrival in its tier, so an
// entry demoted in one pass is not also evicted as idle by the colder tier
// in the same pass. Demotion keeps the entry's expiry, so an entry never
// outlives the TTL of the tier it was written to without being accessed. An
// entry demoted out of cold, or out of warm when no cold tier is
// configured, is evicted.
func (c *Cache) Sweep(ctx context.Context) {
	now := c.now()
	c.sweepMemory(ctx, c.hot, now)
	c.sweepMemory(ctx, c.warm, now)

	if c.cold != nil && c.cold.available() {
		idleBefore := now.Add(-c.config.idleLimit(TierCold))
		n, err := c.cold.Sweep(ctx, now, idleBefore)
		if err != nil {
			c.logger.Warn("Cold tier sweep failed", map[string]interface{}{"error": err.Error()})
		}
		c.evictions.Add(int64(n))
	}

	c.metrics.RecordGauge("tiered_cache.entries", float64(c.hot.len()), map[string]string{"tier": string(TierHot)})
	c.metrics.RecordGauge("tiered_cache.entries", float64(c.warm.len()), map[string]string{"tier": string(TierWarm)})
}

func (c *Cache) sweepMemory(ctx context.Context, tier *memTier, now time.Time) {
	idleLimit := c.config.idleLimit(tier.tier)
	for _, s := range tier.slots() {
		if s.expired(now) {
			if tier.remove(s.entry.Key, s) != nil {
				c.evictions.Add(1)
			}
			continue
		}
		if now.Sub(s.idleSince()) > idleLimit {
			c.demote(ctx, tier, s, now)
		}
	}
}

func (c *Cache) demote(ctx context.Context, tier *memTier, s *slot, now time.Time) {
	key := s.entry.Key
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if tier.get(key) != s {
		return
	}
	e := s.snapshot()
	e.AccessCount = 0
	e.TierEnteredAt = now

	switch next := tier.tier.colder(); next {
	case TierWarm:
		tier.remove(key, s)
		e.Tier = next
		c.warm.insert(newSlot(e))
		c.demotions.Add(1)

	case TierCold:
		if c.cold == nil {
			tier.remove(key, s)
			c.evictions.Add(1)
			return
		}
		if !c.cold.available() {
			return
		}
		e.Tier = next
		if err := c.cold.Put(ctx, e); err != nil {
			c.logger.Warn("Demotion to cold tier failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return
		}
		tier.remove(key, s)
		c.demotions.Add(1)
	}
}
