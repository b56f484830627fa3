/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tool rental engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config file and environment
  2. Initialize logger
  3. Initialize SQLite store (optionally import a catalog)
  4. Create rental.Manager with metrics and logger
  5. Configure HTTP router
  6. Start sweep scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config   YAML config file (optional)
  -port     HTTP server port (overrides config)
  -db       SQLite database path (overrides config)
            Use ":memory:" for in-memory database
  -catalog  JSON or YAML catalog to import on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout by default)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/rental.db"

  # Run in memory with a demo catalog
  ./server -db=":memory:" -catalog=./catalog.yaml

  # Run from a config file on a different port
  ./server -config=./rental.yaml -port=3000

ENVIRONMENT:
  RENTAL_* variables, see config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/rental-engine/api"
	"github.com/warp/rental-engine/config"
	"github.com/warp/rental-engine/factory"
	"github.com/warp/rental-engine/logger"
	"github.com/warp/rental-engine/metrics"
	"github.com/warp/rental-engine/rental"
	"github.com/warp/rental-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	catalogPath := flag.String("catalog", "", "Catalog file to import on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithService("server")

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Error("failed to initialize database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	recorder := metrics.New()
	opts := cfg.EngineOptions()
	opts.Metrics = recorder
	opts.Logger = logger.WithService("rental")
	manager := rental.NewManager(store, opts)

	handler := api.NewHandler(manager, store, rental.SystemClock{})

	if *catalogPath != "" {
		if err := importCatalog(context.Background(), handler.Catalog, store, *catalogPath); err != nil {
			log.Error("failed to import catalog", "path", *catalogPath, "error", err)
			os.Exit(1)
		}
		log.Info("catalog imported", "path", *catalogPath)
	}

	// Create router
	router := api.NewRouter(handler, recorder.Handler(), cfg.Server.AllowedOrigins)

	// Start scheduler
	scheduler := api.NewSweepScheduler(manager, recorder, cfg.Scheduler.Sweep)
	scheduler.Enabled = cfg.Scheduler.Enabled
	if err := scheduler.Start(); err != nil {
		log.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Create server
	server := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server starting", "addr", server.Addr, "db", cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	scheduler.Stop()

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

func importCatalog(ctx context.Context, f *factory.CatalogFactory, store rental.CatalogStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	catalog, err := f.Parse(data)
	if err != nil {
		return err
	}
	return f.Apply(ctx, store, catalog)
}
