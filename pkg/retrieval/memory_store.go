package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/developer-mesh/context-engine/pkg/models"
)

// MemoryStore is an in-process SemanticStore ranking documents by cosine
// similarity of their embeddings to the embedded query text
type MemoryStore struct {
	embedder Embedder

	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryStore creates an empty store
func NewMemoryStore(embedder Embedder) *MemoryStore {
	return &MemoryStore{embedder: embedder, docs: make(map[string]Document)}
}

// Upsert indexes a document, embedding its content when no vector is given
func (s *MemoryStore) Upsert(ctx context.Context, doc Document) error {
	if err := doc.Scope.Validate(); err != nil {
		return err
	}
	if len(doc.Embedding) == 0 {
		vec, err := s.embedder.Embed(ctx, doc.Content)
		if err != nil {
			return fmt.Errorf("embed document %s: %w", doc.ID, err)
		}
		doc.Embedding = vec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return nil
}

// Query implements SemanticStore
func (s *MemoryStore) Query(ctx context.Context, text string, topK int, filters Filters) ([]models.Pattern, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	patterns := make([]models.Pattern, 0)
	for _, doc := range s.docs {
		if !matchesScope(doc.Scope, filters) || !hasAllTags(doc.Tags, filters.Tags) {
			continue
		}
		patterns = append(patterns, models.Pattern{
			Content:        doc.Content,
			RelevanceScore: float32(cosine(vec, doc.Embedding)),
			Metadata: models.PatternMetadata{
				DocumentID: doc.ID,
				Source:     doc.Source,
				Tags:       append([]string(nil), doc.Tags...),
				Scope:      doc.Scope,
			},
		})
	}
	s.mu.RUnlock()

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].RelevanceScore != patterns[j].RelevanceScore {
			return patterns[i].RelevanceScore > patterns[j].RelevanceScore
		}
		return patterns[i].Metadata.DocumentID < patterns[j].Metadata.DocumentID
	})
	if topK > 0 && len(patterns) > topK {
		patterns = patterns[:topK]
	}
	return patterns, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
