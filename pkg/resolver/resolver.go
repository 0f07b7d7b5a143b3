// Package resolver merges the four precedence layers into a ResolvedContext.
//
// Layers are read concurrently through the privacy guard, each under its own
// time budget. A layer that does not answer in time is reported as
// unavailable and the context is built from the layers that did; only the
// caller abandoning the request fails a resolution.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/developer-mesh/context-engine/pkg/layers"
	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/observability"
	"github.com/developer-mesh/context-engine/pkg/retrieval"
)

const (
	defaultTimeout         = 200 * time.Millisecond
	defaultResultCacheSize = 1024
	defaultResultCacheTTL  = 30 * time.Second
)

// Request names at most one owner per layer. The system-default layer is
// always applied.
type Request struct {
	IndividualID string   `json:"individual_id,omitempty"`
	GroupID      string   `json:"group_id,omitempty"`
	WorkspaceID  string   `json:"workspace_id,omitempty"`
	Query        string   `json:"query,omitempty"`
	TopK         int      `json:"top_k,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

func (r Request) ownerFor(kind models.LayerKind) string {
	switch kind {
	case models.LayerIndividual:
		return r.IndividualID
	case models.LayerGroup:
		return r.GroupID
	case models.LayerWorkspace:
		return r.WorkspaceID
	default:
		return models.SystemOwnerID
	}
}

// Options configures a Resolver
type Options struct {
	Layers *layers.Set
	// Retriever answers pattern queries. Nil disables augmentation.
	Retriever *retrieval.Retriever
	// Timeout is the per-layer read budget
	Timeout time.Duration
	// ResultCacheSize of 0 uses the default; negative disables the result cache
	ResultCacheSize int
	ResultCacheTTL  time.Duration
	Logger          observability.Logger
	Metrics         observability.MetricsClient
	Clock           func() time.Time
}

// Resolver is the context priority resolver
type Resolver struct {
	layers    *layers.Set
	retriever *retrieval.Retriever
	timeout   time.Duration
	results   *resultCache
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// New creates a resolver and subscribes it to layer changes
func New(opts Options) (*Resolver, error) {
	if opts.Layers == nil {
		return nil, errors.New("resolver requires layer managers")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ResultCacheSize == 0 {
		opts.ResultCacheSize = defaultResultCacheSize
	}
	if opts.ResultCacheTTL <= 0 {
		opts.ResultCacheTTL = defaultResultCacheTTL
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

	r := &Resolver{
		layers:    opts.Layers,
		retriever: opts.Retriever,
		timeout:   opts.Timeout,
		logger:    opts.Logger.WithPrefix("resolver"),
		metrics:   opts.Metrics,
	}
	if opts.ResultCacheSize > 0 {
		results, err := newResultCache(opts.ResultCacheSize, opts.ResultCacheTTL, opts.Clock)
		if err != nil {
			return nil, fmt.Errorf("create result cache: %w", err)
		}
		r.results = results
		opts.Layers.OnChange(func(models.LayerKind, string) {
			results.invalidate()
		})
	}
	return r, nil
}

// Invalidate drops every cached resolution. Membership and visibility
// changes call it, since they change what a requester may read without a
// layer write.
func (r *Resolver) Invalidate() {
	if r.results != nil {
		r.results.invalidate()
	}
}

type layerOutcome struct {
	status  models.LayerStatus
	record  *models.LayerRecord
	warning string
}

type patternOutcome struct {
	patterns []models.Pattern
	warnings []string
}

// Resolve merges the layers named by req as seen by requester. Fields from
// higher precedence layers replace same-named fields from lower ones in
// full. It fails only on invalid input or when ctx is done.
func (r *Resolver) Resolve(ctx context.Context, requester models.PrivacyScope, req Request) (*models.ResolvedContext, error) {
	ctx, span := observability.StartSpan(ctx, "resolver.resolve")
	defer span.End()
	start := time.Now()

	if err := requester.Validate(); err != nil {
		return nil, err
	}
	for _, kind := range models.ApplyOrder {
		if owner := req.ownerFor(kind); owner != "" {
			if err := kind.ScopeFor(owner).Validate(); err != nil {
				return nil, err
			}
		}
	}

	key := cacheKey(requester, req)
	var generation uint64
	if r.results != nil {
		if cached, ok := r.results.get(key); ok {
			r.metrics.IncrementCounterWithLabels("resolver.result_cache", 1, map[string]string{"outcome": "hit"})
			return cached, nil
		}
		r.metrics.IncrementCounterWithLabels("resolver.result_cache", 1, map[string]string{"outcome": "miss"})
		generation = r.results.currentGeneration()
	}

	outcomes := make([]layerOutcome, len(models.ApplyOrder))
	var patterns patternOutcome

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range models.ApplyOrder {
		i, kind := i, kind
		owner := req.ownerFor(kind)
		if owner == "" {
			outcomes[i] = layerOutcome{status: models.LayerSkipped}
			continue
		}
		g.Go(func() error {
			outcome, err := r.readLayer(gctx, ctx, requester, kind, owner)
			outcomes[i] = outcome
			return err
		})
	}
	if req.Query != "" && r.retriever != nil {
		g.Go(func() error {
			var err error
			patterns, err = r.retrieve(gctx, ctx, requester, req)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resolved := merge(outcomes)
	if len(patterns.patterns) > 0 {
		resolved.Patterns = patterns.patterns
	}
	resolved.Warnings = append(resolved.Warnings, patterns.warnings...)

	degraded := len(resolved.Warnings) > 0
	r.metrics.IncrementCounterWithLabels("resolver.resolutions", 1, map[string]string{
		"degraded": strconv.FormatBool(degraded),
	})
	r.metrics.RecordDuration("resolver.resolve_duration", time.Since(start), nil)
	if degraded {
		r.logger.Warn("Resolved degraded context", map[string]interface{}{
			"requester_kind": string(requester.Kind),
			"warnings":       resolved.Warnings,
		})
	} else if r.results != nil {
		r.results.put(key, generation, resolved)
	}
	return resolved, nil
}

// readLayer reads one layer within the per-layer budget. It returns an error
// only when the caller's context is done, which cancels the other reads.
func (r *Resolver) readLayer(gctx, parent context.Context, requester models.PrivacyScope, kind models.LayerKind, owner string) (layerOutcome, error) {
	m, ok := r.layers.Manager(kind)
	if !ok {
		return layerOutcome{status: models.LayerUnavailable, warning: fmt.Sprintf("layer %s is not configured", kind)}, nil
	}

	lctx, cancel := context.WithTimeout(gctx, r.timeout)
	defer cancel()

	type readResult struct {
		record *models.LayerRecord
		err    error
	}
	done := make(chan readResult, 1)
	go func() {
		rec, err := m.Read(lctx, requester, owner)
		done <- readResult{record: rec, err: err}
	}()

	select {
	case res := <-done:
		switch {
		case res.err == nil:
			return layerOutcome{status: models.LayerApplied, record: res.record}, nil
		case errors.Is(res.err, models.ErrNotFound):
			return layerOutcome{status: models.LayerAbsent}, nil
		case parent.Err() != nil:
			return layerOutcome{}, parent.Err()
		default:
			return r.unavailable(kind, res.err), nil
		}
	case <-lctx.Done():
		if err := parent.Err(); err != nil {
			return layerOutcome{}, err
		}
		return r.unavailable(kind, fmt.Errorf("%w: no answer within %s", models.ErrTimeout, r.timeout)), nil
	}
}

func (r *Resolver) unavailable(kind models.LayerKind, err error) layerOutcome {
	r.logger.Warn("Layer unavailable during resolution", map[string]interface{}{
		"layer": string(kind),
		"error": err.Error(),
	})
	r.metrics.IncrementCounterWithLabels("resolver.layer_unavailable", 1, map[string]string{"layer": string(kind)})
	return layerOutcome{
		status:  models.LayerUnavailable,
		warning: fmt.Sprintf("layer %s unavailable: %v", kind, err),
	}
}

func (r *Resolver) retrieve(gctx, parent context.Context, requester models.PrivacyScope, req Request) (patternOutcome, error) {
	res, err := r.retriever.Retrieve(gctx, requester, retrieval.Query{Text: req.Query, TopK: req.TopK, Tags: req.Tags})
	if parent.Err() != nil {
		return patternOutcome{}, parent.Err()
	}
	var out patternOutcome
	if res != nil {
		out.patterns = res.Patterns
		out.warnings = append(out.warnings, res.Warnings...)
	}
	if err != nil {
		r.logger.Warn("Pattern retrieval failed", map[string]interface{}{"error": err.Error()})
		out.patterns = nil
		out.warnings = append(out.warnings, "patterns unavailable: "+err.Error())
	}
	return out, nil
}

// merge applies outcomes lowest precedence first
func merge(outcomes []layerOutcome) *models.ResolvedContext {
	resolved := &models.ResolvedContext{
		Fields:     models.Fields{},
		Provenance: make(map[string]models.LayerKind),
		Layers:     make(map[models.LayerKind]models.LayerStatus, len(models.ApplyOrder)),
	}
	for i, kind := range models.ApplyOrder {
		outcome := outcomes[i]
		resolved.Layers[kind] = outcome.status
		if outcome.warning != "" {
			resolved.Warnings = append(resolved.Warnings, outcome.warning)
		}
		if outcome.status != models.LayerApplied {
			continue
		}
		for name, value := range outcome.record.Fields {
			resolved.Fields[name] = value
			resolved.Provenance[name] = kind
		}
		if outcome.record.UpdatedAt.After(resolved.ResolvedAt) {
			resolved.ResolvedAt = outcome.record.UpdatedAt
		}
	}
	return resolved
}

func cacheKey(requester models.PrivacyScope, req Request) string {
	tags := append([]string(nil), req.Tags...)
	sort.Strings(tags)
	return strings.Join([]string{
		requester.String(),
		req.IndividualID,
		req.GroupID,
		req.WorkspaceID,
		strings.Join(strings.Fields(strings.ToLower(req.Query)), " "),
		strconv.Itoa(req.TopK),
		strings.Join(tags, ","),
	}, "\n")
}
