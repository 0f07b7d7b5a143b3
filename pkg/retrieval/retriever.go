package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/observability"
	"github.com/developer-mesh/context-engine/pkg/privacy"
	"github.com/developer-mesh/context-engine/pkg/tiered"
)

const (
	defaultTopK    = 5
	defaultTimeout = 200 * time.Millisecond
	defaultQPS     = 50
)

// Options configures a Retriever
type Options struct {
	Store    SemanticStore
	Embedder Embedder
	// Cache is consulted before the store and filled after it. Nil disables caching.
	Cache   *tiered.Cache
	Guard   *privacy.Guard
	TopK    int
	Timeout time.Duration
	// QPS bounds semantic store queries per second across all callers
	QPS     float64
	Burst   int
	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// Query is one retrieval request
type Query struct {
	Text string
	TopK int
	Tags []string
}

// Result holds the patterns for a query and how they were obtained
type Result struct {
	Patterns []models.Pattern
	CacheHit bool
	Tier     tiered.Tier
	Warnings []string
}

// Retriever answers queries from the tiered cache and falls back to the
// semantic store on a miss
type Retriever struct {
	store    SemanticStore
	embedder Embedder
	cache    *tiered.Cache
	guard    *privacy.Guard
	limiter  *rate.Limiter
	topK     int
	timeout  time.Duration
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewRetriever creates a retriever
func NewRetriever(opts Options) (*Retriever, error) {
	if opts.Store == nil {
		return nil, errors.New("retriever requires a semantic store")
	}
	if opts.Guard == nil {
		return nil, errors.New("retriever requires a privacy guard")
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.QPS <= 0 {
		opts.QPS = defaultQPS
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.QPS)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoopMetrics()
	}

	return &Retriever{
		store:    opts.Store,
		embedder: opts.Embedder,
		cache:    opts.Cache,
		guard:    opts.Guard,
		limiter:  rate.NewLimiter(rate.Limit(opts.QPS), opts.Burst),
		topK:     opts.TopK,
		timeout:  opts.Timeout,
		logger:   opts.Logger.WithPrefix("retrieval"),
		metrics:  opts.Metrics,
	}, nil
}

// Retrieve returns patterns similar to the query text that the requester may
// read. Store failures are reported as errors wrapping
// models.ErrStoreUnavailable or models.ErrTimeout; cache failures only add
// warnings.
func (r *Retriever) Retrieve(ctx context.Context, requester models.PrivacyScope, q Query) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "retriever.retrieve")
	defer span.End()

	if err := requester.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("%w: empty query", models.ErrInvalidField)
	}
	if q.TopK <= 0 {
		q.TopK = r.topK
	}

	result := &Result{}
	filter := filterSignature(q)
	key := tiered.Key(q.Text+"\n"+filter, requester)

	var embedding []float32
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, q.Text)
		if err != nil {
			r.logger.Warn("Embedding failed, using exact cache lookup only", map[string]interface{}{
				"error": err.Error(),
			})
			result.Warnings = append(result.Warnings, "embedding unavailable")
		} else {
			embedding = vec
		}
	}

	if r.cache != nil {
		entry, err := r.cache.GetFiltered(ctx, requester, key, embedding, filter)
		if err != nil {
			result.Warnings = append(result.Warnings, "cold cache tier unavailable")
		}
		if entry != nil {
			if patterns, ok := r.decodeCached(ctx, requester, entry, key); ok {
				result.Patterns = patterns
				result.CacheHit = true
				result.Tier = entry.Tier
				r.metrics.IncrementCounterWithLabels("retrieval.requests", 1, map[string]string{"source": "cache"})
				return result, nil
			}
		}
	}

	patterns, err := r.query(ctx, requester, q)
	if err != nil {
		span.RecordError(err)
		r.metrics.IncrementCounterWithLabels("retrieval.requests", 1, map[string]string{"source": "error"})
		return result, err
	}
	result.Patterns = patterns
	r.metrics.IncrementCounterWithLabels("retrieval.requests", 1, map[string]string{"source": "store"})

	if r.cache != nil {
		payload, err := json.Marshal(patterns)
		if err == nil {
			err = r.cache.Fill(ctx, requester, key, filter, payload, embedding, requester)
		}
		if err != nil {
			r.logger.Warn("Failed to cache retrieval result", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return result, nil
}

func (r *Retriever) query(ctx context.Context, requester models.PrivacyScope, q Query) ([]models.Pattern, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: semantic store rate limit: %v", models.ErrTimeout, err)
	}

	start := time.Now()
	filters := Filters{
		Scopes:        r.guard.ReadableScopes(ctx, requester),
		IncludePublic: true,
		Tags:          q.Tags,
	}
	found, err := r.store.Query(ctx, q.Text, q.TopK, filters)
	r.metrics.RecordDuration("retrieval.query_duration", time.Since(start), nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: semantic store query: %v", models.ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: semantic store query: %v", models.ErrStoreUnavailable, err)
	}

	return r.readable(ctx, requester, found), nil
}

// readable drops patterns the requester may not read. The store's filters
// are advisory; the guard has the final word.
func (r *Retriever) readable(ctx context.Context, requester models.PrivacyScope, found []models.Pattern) []models.Pattern {
	patterns := make([]models.Pattern, 0, len(found))
	for _, p := range found {
		if r.guard.CanRead(ctx, requester, p.Metadata.Scope) {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

func (r *Retriever) decodeCached(ctx context.Context, requester models.PrivacyScope, entry *tiered.Entry, key string) ([]models.Pattern, bool) {
	var patterns []models.Pattern
	if err := json.Unmarshal(entry.Payload, &patterns); err != nil {
		r.logger.Warn("Cached patterns could not be decoded", map[string]interface{}{"key": entry.Key})
		if entry.Key == key {
			_ = r.cache.Invalidate(ctx, key)
		}
		return nil, false
	}
	// Membership may have changed since the entry was filled
	return r.readable(ctx, requester, patterns), true
}

// filterSignature canonicalizes the query parameters besides the text that
// select patterns. Cached results are only reused for the same signature.
func filterSignature(q Query) string {
	tags := append([]string(nil), q.Tags...)
	sort.Strings(tags)
	return "topk=" + strconv.Itoa(q.TopK) + ";tags=" + strings.Join(tags, ",")
}
