package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"

	"github.com/dbhive/dbhive/internal/access"
	"github.com/dbhive/dbhive/internal/api"
	"github.com/dbhive/dbhive/internal/config"
	"github.com/dbhive/dbhive/internal/configstore"
	"github.com/dbhive/dbhive/internal/credential"
	"github.com/dbhive/dbhive/internal/dblifecycle"
	"github.com/dbhive/dbhive/internal/dbuser"
	"github.com/dbhive/dbhive/internal/migration"
	"github.com/dbhive/dbhive/internal/pool"
	"github.com/dbhive/dbhive/internal/project"
	"github.com/dbhive/dbhive/internal/provision"
	"github.com/dbhive/dbhive/internal/router"
	"github.com/dbhive/dbhive/internal/sqlexec"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := sqlexec.NewClient(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to admin database", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	adminPool, err := client.Pool(ctx, "")
	if err != nil {
		slog.Error("failed to open admin pool", "error", err)
		os.Exit(1)
	}

	repo := project.NewRepository(adminPool)
	if err := repo.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure metadata schema", "error", err)
		os.Exit(1)
	}

	databases := dblifecycle.NewManager(client, clock.WallClock)
	users := dbuser.NewManager(client)
	names := credential.NewGenerator(databases.Exists, users.Exists, credential.FallbackConfig{
		OfflineEnabled: true,
	})

	store := configstore.New(repo, clock.WallClock,
		configstore.WithTTL(cfg.ConfigCacheTTL),
		configstore.WithSweepInterval(cfg.ConfigCacheSweepInterval))
	pools := pool.NewManager(clock.WallClock,
		pool.WithSweepInterval(cfg.PoolSweepInterval),
		pool.WithIdleClose(cfg.PoolIdleClose))
	validator := access.NewValidator(store)
	limiter := access.NewRateLimiter(clock.WallClock,
		access.WithLimit(cfg.RateLimitMaxRequests, cfg.RateLimitWindow))

	svcRouter := router.New(store, pools, validator, limiter, logger)
	defer svcRouter.Close()

	provisioner := provision.NewService(names, databases, users, repo, svcRouter, provision.Config{
		TemplateDatabase: cfg.TemplateDatabase,
		HostPort:         cfg.DatabaseHostPort,
		MaxRetries:       cfg.CreateMaxRetries,
		BaseDelay:        cfg.CreateBaseDelay,
	}, logger)

	backups, err := migration.NewBackupStore(cfg.BackupDir)
	if err != nil {
		slog.Error("failed to open backup store", "error", err)
		os.Exit(1)
	}
	migrator := migration.NewService(client, backups, clock.WallClock, migration.Config{
		Tables:    parseTables(cfg.MigrationTables),
		Retention: cfg.BackupRetention,
	}, logger)

	go pools.Start(ctx)
	go store.Start(ctx)
	go migrator.Start(ctx, cfg.BackupCleanupInterval)

	apiRouter := api.NewRouter(api.RouterDeps{
		DBPinger:     adminPool,
		Version:      cfg.Version,
		Provisioner:  provisioner,
		Repo:         repo,
		Router:       svcRouter,
		Migrator:     migrator,
		AdminKeyHash: cfg.AdminKeyHash,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           apiRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting dbhive server", "port", cfg.Port, "version", cfg.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped gracefully")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// parseTables converts schema.table strings into migration tables.
// Malformed entries are skipped with a warning.
func parseTables(specs []string) []migration.Table {
	var out []migration.Table
	for _, spec := range specs {
		parts := strings.SplitN(strings.TrimSpace(spec), ".", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			slog.Warn("ignoring malformed migration table", "value", spec)
			continue
		}
		out = append(out, migration.Table{
			Schema:      parts[0],
			Name:        parts[1],
			ScopeColumn: "project_ref",
		})
	}
	return out
}
