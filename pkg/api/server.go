// Package api exposes the context engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/developer-mesh/context-engine/pkg/config"
	"github.com/developer-mesh/context-engine/pkg/engine"
	"github.com/developer-mesh/context-engine/pkg/observability"
)

// Config holds the HTTP server settings
type Config struct {
	ListenAddress string
	// JWTSecret signs bearer tokens; empty disables authentication
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimit    RateLimiterConfig
	Compression  bool
}

// ConfigFrom maps the loaded API configuration onto server settings
func ConfigFrom(c config.APIConfig) Config {
	cfg := Config{
		ListenAddress: c.ListenAddress,
		JWTSecret:     c.JWTSecret,
		ReadTimeout:   c.ReadTimeout,
		WriteTimeout:  c.WriteTimeout,
		IdleTimeout:   c.IdleTimeout,
		Compression:   true,
	}
	if c.RateLimit > 0 {
		cfg.RateLimit = DefaultRateLimiterConfig()
		cfg.RateLimit.RequestsPerSecond = c.RateLimit
		if c.RateBurst > 0 {
			cfg.RateLimit.Burst = c.RateBurst
		}
	}
	return cfg
}

// Server is the HTTP API server
type Server struct {
	router   *gin.Engine
	server   *http.Server
	engine   *engine.Engine
	config   Config
	logger   observability.Logger
	metrics  observability.MetricsClient
	gatherer prometheus.Gatherer
}

// NewServer creates a new API server. gatherer backs /metrics; nil uses the
// default Prometheus registry.
func NewServer(eng *engine.Engine, cfg Config, logger observability.Logger, metrics observability.MetricsClient, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger(logger.WithPrefix("api")))
	router.Use(MetricsMiddleware(metrics))
	if cfg.RateLimit.RequestsPerSecond > 0 {
		router.Use(RateLimiter(cfg.RateLimit))
	}
	if cfg.Compression {
		router.Use(CompressionMiddleware())
	}

	s := &Server{
		router:   router,
		engine:   eng,
		config:   cfg,
		logger:   logger.WithPrefix("api"),
		metrics:  metrics,
		gatherer: gatherer,
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/metrics", SetupMetricsHandler(s.gatherer))

	v1 := s.router.Group("/v1")
	if s.config.JWTSecret != "" {
		v1.Use(AuthMiddleware(s.config.JWTSecret, s.logger))
	} else {
		s.logger.Warn("Authentication disabled: requests run with the public scope", nil)
	}

	v1.POST("/context/resolve", s.resolveHandler)

	cache := v1.Group("/cache")
	cache.POST("/lookup", s.cacheLookupHandler)
	cache.PUT("", s.cacheStoreHandler)
	cache.DELETE("/:key", s.cacheInvalidateHandler)
	cache.GET("/stats", s.cacheStatsHandler)

	layers := v1.Group("/layers/:kind/:owner")
	layers.GET("", s.readLayerHandler)
	layers.PUT("", s.writeLayerHandler)
	layers.DELETE("", s.deleteLayerHandler)
	layers.GET("/history", s.layerHistoryHandler)
}

// Handler returns the routed handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("API server listening", map[string]interface{}{"address": s.config.ListenAddress})
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	health := s.engine.Health(c.Request.Context())

	if health["engine"] != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":     "unhealthy",
			"components": health,
		})
		return
	}
	status := "healthy"
	for _, state := range health {
		if state == "degraded" {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"components": health,
	})
}
