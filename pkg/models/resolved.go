package models

import "time"

// LayerStatus records what a layer contributed to a resolution
type LayerStatus string

const (
	// LayerApplied means the layer's record was merged
	LayerApplied LayerStatus = "applied"
	// LayerAbsent means the layer has no record (or none visible to the requester)
	LayerAbsent LayerStatus = "absent"
	// LayerUnavailable means the layer did not answer within the resolution budget
	LayerUnavailable LayerStatus = "unavailable"
	// LayerSkipped means no identifier was supplied for the layer
	LayerSkipped LayerStatus = "skipped"
)

// ResolvedContext is the merged projection of all applicable layers. It is
// derived on demand and never persisted as a source of truth.
type ResolvedContext struct {
	Fields     Fields                    `json:"fields"`
	Provenance map[string]LayerKind      `json:"provenance"`
	Layers     map[LayerKind]LayerStatus `json:"layers"`
	Patterns   []Pattern                 `json:"patterns,omitempty"`
	Warnings   []string                  `json:"warnings,omitempty"`
	// ResolvedAt is the newest update time among the applied records
	ResolvedAt time.Time `json:"resolved_at"`
}

// Degraded reports whether any layer failed to answer
func (r *ResolvedContext) Degraded() bool {
	for _, status := range r.Layers {
		if status == LayerUnavailable {
			return true
		}
	}
	return false
}

// PatternMetadata is the typed metadata the semantic store returns with a document
type PatternMetadata struct {
	DocumentID string       `json:"document_id"`
	Source     string       `json:"source,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
	Scope      PrivacyScope `json:"scope"`
}

// Pattern is one historical result returned by the semantic store
type Pattern struct {
	Content        string          `json:"content"`
	RelevanceScore float32         `json:"relevance_score"`
	Metadata       PatternMetadata `json:"metadata"`
}
