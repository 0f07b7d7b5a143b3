package tiered

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/developer-mesh/context-engine/pkg/models"
)

// Tier is one of the three cache speed classes
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// IsValid checks if the tier is valid
func (t Tier) IsValid() bool {
	return t == TierHot || t == TierWarm || t == TierCold
}

// hotter returns the next tier up, or "" from hot
func (t Tier) hotter() Tier {
	switch t {
	case TierCold:
		return TierWarm
	case TierWarm:
		return TierHot
	default:
		return ""
	}
}

// colder returns the next tier down, or "" from cold
func (t Tier) colder() Tier {
	switch t {
	case TierHot:
		return TierWarm
	case TierWarm:
		return TierCold
	default:
		return ""
	}
}

// Entry is a cached retrieval result. Entries handed to callers are
// snapshots; mutating them does not affect the cache.
type Entry struct {
	Key       string              `json:"key"`
	Payload   []byte              `json:"payload"`
	Embedding []float32           `json:"embedding,omitempty"`
	Scope     models.PrivacyScope `json:"scope"`
	// Filter names the query parameters the payload was selected with.
	// Similarity lookups only match entries stored under the same filter.
	Filter         string    `json:"filter,omitempty"`
	Tier           Tier      `json:"tier"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	// TierEnteredAt is when the entry moved into its current tier
	TierEnteredAt time.Time `json:"tier_entered_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	AccessCount   int       `json:"access_count"`
}

// TTLRemaining is the time left before the entry expires
func (e *Entry) TTLRemaining(now time.Time) time.Duration {
	if remaining := e.ExpiresAt.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// idleSince is the start of the entry's idle period in its current tier: the
// later of its last access and its arrival in the tier
func (e *Entry) idleSince() time.Time {
	if e.TierEnteredAt.After(e.LastAccessedAt) {
		return e.TierEnteredAt
	}
	return e.LastAccessedAt
}

func (e *Entry) clone() *Entry {
	out := *e
	out.Payload = append([]byte(nil), e.Payload...)
	if e.Embedding != nil {
		out.Embedding = append([]float32(nil), e.Embedding...)
	}
	return &out
}

// Config configures tier behavior
type Config struct {
	HotTTL  time.Duration
	WarmTTL time.Duration
	ColdTTL time.Duration

	// SimilarityThreshold is the minimum cosine similarity for a candidate hit
	SimilarityThreshold float64
	// PromotionAccessCount is the number of accesses within a TTL window that moves an entry up a tier
	PromotionAccessCount int
	// DemotionIdleFraction of a tier's TTL without access moves an entry down a tier
	DemotionIdleFraction float64
	// CandidateLimit bounds the similarity scan per tier to the most recent entries
	CandidateLimit int
	SweepInterval  time.Duration
	// InitialTier is where new entries are written
	InitialTier Tier
	// ColdTimeout bounds every call into the cold store
	ColdTimeout time.Duration
	// PromotionQueueSize bounds pending access bookkeeping; overflow is dropped
	PromotionQueueSize int
	Shards             int
}

// DefaultConfig returns the standard tier policy
func DefaultConfig() Config {
	return Config{
		HotTTL:               time.Hour,
		WarmTTL:              6 * time.Hour,
		ColdTTL:              24 * time.Hour,
		SimilarityThreshold:  0.95,
		PromotionAccessCount: 5,
		DemotionIdleFraction: 0.5,
		CandidateLimit:       200,
		SweepInterval:        time.Minute,
		InitialTier:          TierWarm,
		ColdTimeout:          200 * time.Millisecond,
		PromotionQueueSize:   1024,
		Shards:               32,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.HotTTL <= 0 || c.WarmTTL <= 0 || c.ColdTTL <= 0 {
		return fmt.Errorf("tier TTLs must be positive")
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0, 1]")
	}
	if c.PromotionAccessCount < 1 {
		return fmt.Errorf("promotion access count must be at least 1")
	}
	if c.DemotionIdleFraction <= 0 || c.DemotionIdleFraction > 1 {
		return fmt.Errorf("demotion idle fraction must be in (0, 1]")
	}
	if c.CandidateLimit < 1 {
		return fmt.Errorf("candidate limit must be at least 1")
	}
	if !c.InitialTier.IsValid() {
		return fmt.Errorf("unknown initial tier %q", c.InitialTier)
	}
	return nil
}

// TTL returns the lifetime of entries in tier t
func (c Config) TTL(t Tier) time.Duration {
	switch t {
	case TierHot:
		return c.HotTTL
	case TierWarm:
		return c.WarmTTL
	default:
		return c.ColdTTL
	}
}

func (c Config) idleLimit(t Tier) time.Duration {
	return time.Duration(float64(c.TTL(t)) * c.DemotionIdleFraction)
}

// Stats is a point-in-time view of cache effectiveness
type Stats struct {
	Hits          int64         `json:"hits"`
	Misses        int64         `json:"misses"`
	HitRate       float64       `json:"hit_rate"`
	TierCounts    map[Tier]int  `json:"tier_counts"`
	AvgLatency    time.Duration `json:"avg_latency"`
	Promotions    int64         `json:"promotions"`
	Demotions     int64         `json:"demotions"`
	Evictions     int64         `json:"evictions"`
	ColdAvailable bool          `json:"cold_available"`
}

// Key derives the deterministic cache key for a query in a scope. Queries
// differing only in case or whitespace share a key.
func Key(query string, scope models.PrivacyScope) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := sha256.Sum256([]byte(scope.String() + "\n" + normalized))
	return hex.EncodeToString(sum[:])
}
