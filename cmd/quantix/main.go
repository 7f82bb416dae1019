// Quantix Connect - Industrial Weighing Gateway
//
// This is the main entry point for the Quantix Connect gateway. It
// mediates between plant-floor weighing devices (Modbus TCP/RTU, MQTT,
// serial and raw TCP scales) and the HTTP/WebSocket control plane used
// by dashboards and upstream systems.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/quantix-io/quantix-connect/migrations"

	"github.com/quantix-io/quantix-connect/internal/api"
	"github.com/quantix-io/quantix-connect/internal/infrastructure/config"
	"github.com/quantix-io/quantix-connect/internal/infrastructure/database"
	"github.com/quantix-io/quantix-connect/internal/infrastructure/logging"
	"github.com/quantix-io/quantix-connect/internal/runtime"
	"github.com/quantix-io/quantix-connect/internal/store"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Quantix Connect",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Type:        cfg.Database.Type,
		Name:        cfg.Database.Name,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "dialect", db.Dialect(), "name", db.Name())

	// Run migrations (schema plus the bundled system protocol templates)
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Persistence layer
	templates := store.NewSQLTemplateStore(db.DB)
	devices := store.NewSQLDeviceStore(db.DB)

	// Device runtime manager: one goroutine per enabled device
	manager := runtime.NewManager(devices, templates, runtime.Config{
		SimulateOnConnectFail: cfg.Gateway.SimulateOnConnectFail,
	})
	manager.SetLogger(log)

	if startErr := manager.Startup(ctx); startErr != nil {
		return fmt.Errorf("starting device runtimes: %w", startErr)
	}
	defer func() {
		log.Info("stopping device runtimes")
		manager.Shutdown()
	}()

	// HTTP/WebSocket control plane
	server, err := api.New(api.Deps{
		Config:    cfg,
		Logger:    log,
		Templates: templates,
		Devices:   devices,
		Runtime:   manager,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server listening",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"websocket", cfg.WebSocket.Path,
	)

	// Verify infrastructure is healthy before declaring readiness
	if err := healthCheck(ctx, db, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (drains WebSocket clients)
	// 2. Device runtimes (disconnect drivers, publish terminal offline)
	// 3. Database

	log.Info("Quantix Connect stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses QUANTIX_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("QUANTIX_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - server: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, server *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
