package tiered

import (
	"math"
	"time"
)

// cosineSimilarity returns 0 for vectors of different length or zero norm
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// candidate is a similarity match from a memory tier (slot set) or the cold
// tier (cold set)
type candidate struct {
	key        string
	lastAccess time.Time
	similarity float64
	slot       *slot
	tier       *memTier
	cold       *Entry
}

// better orders candidates: higher similarity, then most recent access,
// then lexical key so the choice is deterministic
func (c candidate) better(other candidate) bool {
	if c.similarity != other.similarity {
		return c.similarity > other.similarity
	}
	if !c.lastAccess.Equal(other.lastAccess) {
		return c.lastAccess.After(other.lastAccess)
	}
	return c.key < other.key
}
