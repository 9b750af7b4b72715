/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, .env, environment, flags)
  2. Set up logging and metrics
  3. Open the ledger store and the settlement cache
  4. Build the engine and the API handler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: ./data/splitledger.db)
           ":memory:" for an in-memory SQLite database
           "memory" for the pure Go in-memory store
  -cache   Settlement cache backend: memory, sqlite or redis

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete
  3. Wait for post-commit hooks (settlement recompute) to finish
  4. Close cache and database connections
  5. Exit

EXAMPLES:
  # Run with file database and Redis cache
  SPLITLEDGER_REDIS_URL=redis://localhost:6379/0 ./server -cache=redis

  # Run fully in memory
  ./server -db=memory -cache=memory

ENVIRONMENT:
  SPLITLEDGER_* variables, see config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration sources
  - ledger/engine.go: Engine wiring
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/splitledger/api"
	"github.com/warp/splitledger/config"
	"github.com/warp/splitledger/ledger"
	memstore "github.com/warp/splitledger/ledger/store"
	"github.com/warp/splitledger/logging"
	"github.com/warp/splitledger/metrics"
	"github.com/warp/splitledger/store/rediscache"
	"github.com/warp/splitledger/store/sqlite"
)

// memoryStore selects the pure Go in-memory store.
const memoryStore = "memory"

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path, or \"memory\" (overrides config)")
	cacheBackend := flag.String("cache", "", "Settlement cache backend: memory, sqlite or redis (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port > 0 {
		cfg.HTTPPort = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *cacheBackend != "" {
		cfg.CacheBackend = *cacheBackend
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	collector := metrics.New()
	ctx := context.Background()

	// Initialize store
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, closeCache, err := openCache(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	engine := ledger.NewEngine(store, cache, ledger.EngineConfig{
		QueryTimeout:      cfg.QueryTimeout,
		HookTimeout:       cfg.HookTimeout,
		AuditDefaultLimit: cfg.AuditTrailDefaultLimit,
		AuditMaxLimit:     cfg.AuditTrailMaxLimit,
	}, logger, collector)

	handler := api.NewHandler(engine, store, logger)
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		handler.AddHealthCheck("store", p.Ping)
	}
	if p, ok := cache.(interface{ Ping(context.Context) error }); ok {
		handler.AddHealthCheck("cache", p.Ping)
	}

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Observer:       collector,
		MetricsHandler: collector.Handler(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", server.Addr,
			"db", cfg.DBPath,
			"cache", cfg.CacheBackend,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := engine.Hooks.Drain(shutdownCtx); err != nil {
		logger.Warn("post-commit hooks still running at shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg config.Config, logger *slog.Logger) (ledger.Store, func(), error) {
	if cfg.DBPath == memoryStore {
		logger.Warn("using in-memory store, data is lost on exit")
		return memstore.NewMemory(), func() {}, nil
	}
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	s, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}
	return s, func() {
		if err := s.Close(); err != nil {
			logger.Error("close database", "error", err)
		}
	}, nil
}

func openCache(ctx context.Context, cfg config.Config, store ledger.Store, logger *slog.Logger) (ledger.SettlementCache, func(), error) {
	switch cfg.CacheBackend {
	case config.CacheRedis:
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := rediscache.Connect(cctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return rediscache.NewSettlementCache(client, cfg.CacheTTL), closeRedis(client, logger), nil
	case config.CacheSQLite:
		if s, ok := store.(*sqlite.Store); ok {
			return s.SettlementCache(), func() {}, nil
		}
		logger.Warn("sqlite cache requires the sqlite store, falling back to memory cache")
	}
	return memstore.NewMemoryCache(), func() {}, nil
}

func closeRedis(client *redis.Client, logger *slog.Logger) func() {
	return func() {
		if err := client.Close(); err != nil {
			logger.Error("close redis", "error", err)
		}
	}
}
