// Package retrieval defines the semantic store and embedding provider
// boundaries and the cache-through Retriever that guards every store query.
package retrieval

import (
	"context"

	"github.com/developer-mesh/context-engine/pkg/models"
)

// Filters restrict a semantic store query
type Filters struct {
	// Scopes selects documents owned by any of these scopes: the requester
	// and the groups and workspaces it belongs to
	Scopes []models.PrivacyScope
	// IncludePublic also selects public documents
	IncludePublic bool
	// Tags, when set, requires every tag to be present on a document
	Tags []string
}

// SemanticStore is the external ranked similarity search over stored documents
type SemanticStore interface {
	Query(ctx context.Context, text string, topK int, filters Filters) ([]models.Pattern, error)
}

// Embedder converts text to a fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension is the store-wide vector length
	Dimension() int
}

// Document is an indexed pattern document
type Document struct {
	ID        string
	Content   string
	Source    string
	Tags      []string
	Scope     models.PrivacyScope
	Embedding []float32
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchesScope(doc models.PrivacyScope, filters Filters) bool {
	if doc.IsPublic() {
		return filters.IncludePublic
	}
	for _, scope := range filters.Scopes {
		if doc.Equal(scope) {
			return true
		}
	}
	return false
}

// scopeKeys renders scopes as kind:id strings for array parameters
func scopeKeys(scopes []models.PrivacyScope) []string {
	keys := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		keys = append(keys, scope.String())
	}
	return keys
}
