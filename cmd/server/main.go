package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/context-engine/pkg/api"
	"github.com/developer-mesh/context-engine/pkg/config"
	"github.com/developer-mesh/context-engine/pkg/engine"
	"github.com/developer-mesh/context-engine/pkg/migrations"
	"github.com/developer-mesh/context-engine/pkg/observability"

	// Import PostgreSQL driver
	_ "github.com/lib/pq"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	migrate := flag.Bool("migrate", false, "Apply pending Postgres migrations before starting")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *migrate); err != nil {
		log.Printf("Server failed: %v", err)
		os.Exit(1)
	}
}

// run serves the API until ctx is cancelled, then shuts down the server
// before the engine
func run(ctx context.Context, cfg *config.Config, migrate bool) error {
	logger := observability.NewLoggerWithConfig("ctxengine", cfg.Logging)
	metrics := observability.NewPrometheusMetricsClient("ctxengine")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	tracingCfg := cfg.Tracing
	if tracingCfg.Environment == "" {
		tracingCfg.Environment = cfg.Environment
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer shutdownTracing()

	if migrate {
		if err := applyMigrations(cfg, logger); err != nil {
			return err
		}
	}

	eng, err := engine.NewFromConfig(ctx, cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	if err := eng.Init(ctx); err != nil {
		_ = eng.Shutdown(context.Background())
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	server := api.NewServer(eng, api.ConfigFrom(cfg.API), logger, metrics, metrics.Registry())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal", nil)
	case runErr = <-serveErr:
		if runErr != nil {
			logger.Error("API server stopped", map[string]interface{}{"error": runErr.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("api shutdown: %w", err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	if len(errs) == 0 {
		logger.Info("Server stopped gracefully", nil)
	}
	return errors.Join(append([]error{runErr}, errs...)...)
}

func applyMigrations(cfg *config.Config, logger observability.Logger) error {
	if cfg.Storage.Backend != "postgres" {
		logger.Info("Skipping migrations for non-postgres storage", map[string]interface{}{
			"backend": cfg.Storage.Backend,
		})
		return nil
	}

	db, err := sql.Open("postgres", cfg.Storage.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	manager, err := migrations.NewManager(db, logger)
	if err != nil {
		return err
	}
	defer manager.Close()
	return manager.Up()
}
