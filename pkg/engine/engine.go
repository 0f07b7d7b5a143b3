// Package engine is the public facade of the context engine. It owns the
// layer managers, the tiered cache, the retriever and the resolver, and
// gives them an explicit Init/Shutdown lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/developer-mesh/context-engine/pkg/layers"
	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/observability"
	"github.com/developer-mesh/context-engine/pkg/privacy"
	"github.com/developer-mesh/context-engine/pkg/resolver"
	"github.com/developer-mesh/context-engine/pkg/retrieval"
	"github.com/developer-mesh/context-engine/pkg/storage"
	"github.com/developer-mesh/context-engine/pkg/tiered"
)

// Options wires an Engine from already constructed backends
type Options struct {
	Store       storage.VersionedStore
	History     storage.AppendLog
	Memberships privacy.MembershipLookup
	// Cold is the durable cache tier; nil runs hot and warm only
	Cold tiered.ColdStore
	// SemanticStore enables pattern retrieval; nil disables it
	SemanticStore retrieval.SemanticStore
	Embedder      retrieval.Embedder
	// Defaults is the system-default schema and record; nil loads the built-in file
	Defaults *layers.SystemDefaults

	Cache            tiered.Config
	ResolveTimeout   time.Duration
	ResultCacheSize  int
	ResultCacheTTL   time.Duration
	RetrievalTopK    int
	RetrievalQPS     float64
	RetrievalTimeout time.Duration
	Retry            layers.RetryConfig

	Logger  observability.Logger
	Metrics observability.MetricsClient
	Clock   func() time.Time

	// Closers are released by Shutdown in reverse order. Backends passed in
	// above stay open unless a closer here owns them.
	Closers []func() error
}

// Engine is the context retrieval cache and priority-resolution engine
type Engine struct {
	guard     *privacy.Guard
	layers    *layers.Set
	defaults  *layers.SystemDefaults
	cache     *tiered.Cache
	retriever *retrieval.Retriever
	resolver  *resolver.Resolver
	cold      tiered.ColdStore
	retry     layers.RetryConfig
	logger    observability.Logger
	closers   []func() error

	mu          sync.Mutex
	initialized bool
	shutdown    bool
}

// New wires an engine. Call Init before serving requests.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine requires a record store")
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
	if opts.History == nil {
		opts.History = storage.NewMemoryLog()
	}
	if opts.Memberships == nil {
		opts.Memberships = privacy.NewMemoryMemberships()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = layers.DefaultRetryConfig()
	}
	if opts.Cache == (tiered.Config{}) {
		opts.Cache = tiered.DefaultConfig()
	}
	if opts.Defaults == nil {
		defaults, err := layers.LoadSystemDefaults("")
		if err != nil {
			return nil, err
		}
		opts.Defaults = defaults
	}

	guard := privacy.NewGuard(opts.Memberships, opts.Logger)

	set, err := layers.NewSet(layers.Options{
		Store:   opts.Store,
		History: opts.History,
		Guard:   guard,
		Schema:  opts.Defaults.Schema,
		Logger:  opts.Logger,
		Clock:   opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	cache, err := tiered.New(tiered.Options{
		Config:  opts.Cache,
		Cold:    opts.Cold,
		Guard:   guard,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Clock:   opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	var retriever *retrieval.Retriever
	if opts.SemanticStore != nil {
		retriever, err = retrieval.NewRetriever(retrieval.Options{
			Store:    opts.SemanticStore,
			Embedder: opts.Embedder,
			Cache:    cache,
			Guard:    guard,
			TopK:     opts.RetrievalTopK,
			Timeout:  opts.RetrievalTimeout,
			QPS:      opts.RetrievalQPS,
			Logger:   opts.Logger,
			Metrics:  opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
	}

	res, err := resolver.New(resolver.Options{
		Layers:          set,
		Retriever:       retriever,
		Timeout:         opts.ResolveTimeout,
		ResultCacheSize: opts.ResultCacheSize,
		ResultCacheTTL:  opts.ResultCacheTTL,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		Clock:           opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	if notifier, ok := opts.Memberships.(privacy.ChangeNotifier); ok {
		notifier.OnChange(res.Invalidate)
	}

	return &Engine{
		guard:     guard,
		layers:    set,
		defaults:  opts.Defaults,
		cache:     cache,
		retriever: retriever,
		resolver:  res,
		cold:      opts.Cold,
		retry:     opts.Retry,
		logger:    opts.Logger.WithPrefix("engine"),
		closers:   opts.Closers,
	}, nil
}

// Init seeds the system-default record and starts background cache work.
// Calling it again is a no-op.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return errors.New("engine is shut down")
	}
	if e.initialized {
		return nil
	}

	system, _ := e.layers.Manager(models.LayerSystemDefault)
	rec, err := layers.Seed(ctx, system, e.defaults)
	if err != nil {
		return fmt.Errorf("seed system defaults: %w", err)
	}
	e.cache.Start()
	e.initialized = true
	e.logger.Info("Context engine initialized", map[string]interface{}{
		"system_default_version": rec.Version,
		"fields":                 len(rec.Fields),
		"patterns_enabled":       e.retriever != nil,
		"cold_tier":              e.cold != nil,
	})
	return nil
}

// Shutdown stops background work and releases the backends. It is safe to
// call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.cache.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("cache shutdown: %w", ctx.Err())
	}

	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("Context engine shut down", nil)
	return errors.Join(errs...)
}

// Guard returns the privacy guard shared by every component
func (e *Engine) Guard() *privacy.Guard {
	return e.guard
}

// Schema returns the closed field schema
func (e *Engine) Schema() *models.Schema {
	return e.defaults.Schema
}

// Health reports the state of each component as "healthy", "degraded",
// "disabled" or "not initialized"
func (e *Engine) Health(ctx context.Context) map[string]string {
	e.mu.Lock()
	ready := e.initialized && !e.shutdown
	e.mu.Unlock()

	health := map[string]string{"engine": "healthy", "cache": "healthy"}
	if !ready {
		health["engine"] = "not initialized"
	}
	switch {
	case e.cold == nil:
		health["cold_tier"] = "disabled"
	case e.cache.Stats(ctx).ColdAvailable:
		health["cold_tier"] = "healthy"
	default:
		health["cold_tier"] = "degraded"
	}
	if e.retriever == nil {
		health["retrieval"] = "disabled"
	} else {
		health["retrieval"] = "healthy"
	}
	return health
}
