/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reschedule engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (defaults, YAML, .env, environment)
  3. Initialize logger and SQLite store
  4. Create window and reschedule services
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port (overrides config)
  -db      SQLite database path (overrides config)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with a config file
  ./server -config=./reschedule.yaml

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  RESCHEDULE_PORT=3000 ./server

SEE ALSO:
  - config/config.go: Settings and environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/reschedule-engine/api"
	"github.com/warp/reschedule-engine/calendar"
	"github.com/warp/reschedule-engine/config"
	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/reschedule"
	"github.com/warp/reschedule-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := cfg.Logger(os.Stderr)

	rounding, err := cfg.Rounding()
	if err != nil {
		log.WithError(err).Fatal("Invalid currency settings")
	}
	adjuster, err := cfg.Adjuster()
	if err != nil {
		log.WithError(err).Fatal("Invalid holiday settings")
	}
	policy := cfg.OccurrencePolicy(adjuster)

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	// Services
	clock := generic.SystemClock{}
	windows := calendar.NewService(store,
		calendar.WithClock(clock),
		calendar.WithPolicy(policy),
		calendar.WithLogger(log.WithField("component", "calendar")),
	)
	reschedules := reschedule.NewService(store,
		reschedule.WithClock(clock),
		reschedule.WithAdjuster(adjuster),
		reschedule.WithOccurrencePolicy(policy),
		reschedule.WithLogger(log.WithField("component", "reschedule")),
	)

	// Create router
	handler := api.NewHandler(windows, reschedules, rounding, log.WithField("component", "api"))
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins...)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Server.Port, "db": cfg.Database.Path}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
		return
	}

	log.Info("Server stopped")
}
