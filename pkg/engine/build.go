package engine

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/developer-mesh/context-engine/pkg/config"
	"github.com/developer-mesh/context-engine/pkg/layers"
	"github.com/developer-mesh/context-engine/pkg/observability"
	"github.com/developer-mesh/context-engine/pkg/privacy"
	"github.com/developer-mesh/context-engine/pkg/retrieval"
	"github.com/developer-mesh/context-engine/pkg/storage"
	"github.com/developer-mesh/context-engine/pkg/tiered"
)

// NewFromConfig opens the configured backends and wires an engine over them.
// Backends opened here are closed by Shutdown, or immediately if wiring fails.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) (e *Engine, err error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	opts := Options{
		Cache:            CacheConfig(cfg.Cache),
		ResolveTimeout:   cfg.Resolver.ResolutionTimeout(),
		ResultCacheSize:  cfg.Resolver.ResultCacheSize,
		ResultCacheTTL:   cfg.Resolver.ResultCacheTTL,
		RetrievalTopK:    cfg.Retrieval.TopK,
		RetrievalQPS:     cfg.Retrieval.StoreQPS,
		RetrievalTimeout: cfg.Retrieval.Timeout,
		Logger:           logger,
		Metrics:          metrics,
	}

	var cleanup []func() error
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				_ = cleanup[i]()
			}
		}
	}()

	opts.Defaults, err = layers.LoadSystemDefaults(cfg.SystemDefaultsFile)
	if err != nil {
		return nil, err
	}

	var pg *sqlx.DB
	openPostgres := func() (*sqlx.DB, error) {
		if pg != nil {
			return pg, nil
		}
		db, err := sqlx.Open("postgres", cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.Storage.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Storage.Postgres.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Storage.Postgres.ConnMaxLifetime)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		pg = db
		cleanup = append(cleanup, db.Close)
		return pg, nil
	}

	switch cfg.Storage.Backend {
	case "postgres":
		db, err := openPostgres()
		if err != nil {
			return nil, err
		}
		opts.Store = storage.NewPostgresStore(db)
		opts.History = storage.NewPostgresLog(db)
		opts.Memberships = privacy.NewPostgresMemberships(db)
	case "sqlite":
		db, err := storage.OpenSQLite(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, db.Close)
		opts.Store = storage.NewSQLiteStore(db)
		opts.History = storage.NewSQLiteLog(db)
	default:
		opts.Store = storage.NewMemoryStore()
		opts.History = storage.NewMemoryLog()
	}

	switch cfg.Cache.Cold.Backend {
	case "redis":
		r := cfg.Cache.Cold.Redis
		cold, err := tiered.DialRedisColdStore(ctx, r.Address, r.Password, r.DB, r.Prefix)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, cold.Close)
		opts.Cold = cold
	case "sqlite":
		cold, err := tiered.OpenSQLiteColdStore(cfg.Cache.Cold.SQLite.Path)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, cold.Close)
		opts.Cold = cold
	}

	if cfg.Retrieval.Backend != "none" {
		ec := cfg.Retrieval.Embedder
		opts.Embedder = retrieval.NewHTTPEmbedder(ec.URL, ec.Model, ec.APIKey, ec.Dimension)
		switch cfg.Retrieval.Backend {
		case "pgvector":
			db, err := openPostgres()
			if err != nil {
				return nil, err
			}
			opts.SemanticStore = retrieval.NewPgVectorStore(db, opts.Embedder, logger, metrics)
		default:
			opts.SemanticStore = retrieval.NewMemoryStore(opts.Embedder)
		}
	}

	e, err = New(opts)
	if err != nil {
		return nil, err
	}
	e.closers = cleanup
	return e, nil
}

// CacheConfig maps the cache section of the configuration onto tier policy
func CacheConfig(c config.CacheConfig) tiered.Config {
	out := tiered.DefaultConfig()
	out.HotTTL = c.TierTTL.Hot
	out.WarmTTL = c.TierTTL.Warm
	out.ColdTTL = c.TierTTL.Cold
	out.SimilarityThreshold = c.SimilarityThreshold
	out.PromotionAccessCount = c.PromotionAccessCount
	out.DemotionIdleFraction = c.DemotionIdleFraction
	out.CandidateLimit = c.CandidateLimit
	out.SweepInterval = c.SweepInterval
	out.InitialTier = tiered.Tier(c.InitialTier)
	out.ColdTimeout = c.Cold.Timeout
	out.PromotionQueueSize = c.PromotionQueueSize
	return out
}
