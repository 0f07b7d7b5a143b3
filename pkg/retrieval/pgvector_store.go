package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/observability"
)

// PgVectorStore is a SemanticStore over the pattern_documents table using
// the pgvector cosine distance operator
type PgVectorStore struct {
	db       *sqlx.DB
	embedder Embedder
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewPgVectorStore creates a store. The schema comes from pkg/migrations.
func NewPgVectorStore(db *sqlx.DB, embedder Embedder, logger observability.Logger, metrics observability.MetricsClient) *PgVectorStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &PgVectorStore{db: db, embedder: embedder, logger: logger.WithPrefix("pgvector"), metrics: metrics}
}

type patternRow struct {
	ID        string         `db:"id"`
	Content   string         `db:"content"`
	Source    string         `db:"source"`
	Tags      pq.StringArray `db:"tags"`
	OwnerKind string         `db:"owner_kind"`
	OwnerID   string         `db:"owner_id"`
	Score     float32        `db:"score"`
}

const queryPatterns = `
	SELECT id, content, source, tags, owner_kind, owner_id,
		1 - (embedding <=> $1::real[]::vector) AS score
	FROM pattern_documents
	WHERE ((owner_kind <> 'public' AND owner_kind || ':' || owner_id = ANY($2::text[]))
			OR ($3 AND owner_kind = 'public'))
		AND (cardinality($4::text[]) = 0 OR tags @> $4::text[])
	ORDER BY embedding <=> $1::real[]::vector
	LIMIT $5`

// Query implements SemanticStore
func (s *PgVectorStore) Query(ctx context.Context, text string, topK int, filters Filters) ([]models.Pattern, error) {
	ctx, span := observability.StartSpan(ctx, "pgvector_store.query")
	defer span.End()

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	tags := filters.Tags
	if tags == nil {
		tags = []string{}
	}

	start := time.Now()
	var rows []patternRow
	err = s.db.SelectContext(ctx, &rows, queryPatterns,
		pq.Array(vec), pq.Array(scopeKeys(filters.Scopes)), filters.IncludePublic, pq.Array(tags), topK)
	labels := map[string]string{"operation": "query", "status": "success"}
	if err != nil {
		labels["status"] = "error"
		s.metrics.RecordDuration("retrieval.store_duration", time.Since(start), labels)
		span.RecordError(err)
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	s.metrics.RecordDuration("retrieval.store_duration", time.Since(start), labels)

	patterns := make([]models.Pattern, 0, len(rows))
	for _, row := range rows {
		patterns = append(patterns, models.Pattern{
			Content:        row.Content,
			RelevanceScore: row.Score,
			Metadata: models.PatternMetadata{
				DocumentID: row.ID,
				Source:     row.Source,
				Tags:       []string(row.Tags),
				Scope:      models.Scope(models.OwnerKind(row.OwnerKind), row.OwnerID),
			},
		})
	}
	return patterns, nil
}

// Upsert indexes a document
func (s *PgVectorStore) Upsert(ctx context.Context, doc Document) error {
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
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pattern_documents (id, content, source, tags, owner_kind, owner_id, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7::real[]::vector)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			source = EXCLUDED.source,
			tags = EXCLUDED.tags,
			owner_kind = EXCLUDED.owner_kind,
			owner_id = EXCLUDED.owner_id,
			embedding = EXCLUDED.embedding`,
		doc.ID, doc.Content, doc.Source, pq.Array(tags), string(doc.Scope.Kind), doc.Scope.ID, pq.Array(doc.Embedding))
	if err != nil {
		return fmt.Errorf("failed to upsert pattern document: %w", err)
	}
	return nil
}
