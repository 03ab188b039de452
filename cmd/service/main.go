// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"starsync/internal/api"
	"starsync/internal/config"
	"starsync/internal/github"
	"starsync/internal/gitops"
	"starsync/internal/metrics"
	"starsync/internal/onedev"
	"starsync/internal/store"
	"starsync/internal/syncer"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	db := store.New(dbpool)
	m := metrics.New()
	m.WatchRepositories(db)
	ghClient := github.NewClient(cfg.GithubToken, logger)
	odClient := onedev.NewClient(cfg.OneDevAPIURL, cfg.OneDevAPIToken, logger)
	executor := gitops.NewExecutor(cfg.GitTempDir, cfg.GitCloneDepth, logger)

	orch := syncer.NewOrchestrator(db, ghClient, odClient, executor, m, logger, syncer.Config{
		RepoPrefix:       cfg.OneDevRepoPrefix,
		ConflictPolicy:   cfg.ConflictPolicy(),
		MaxRetries:       int32(cfg.MaxRetries),
		RetryBaseWait:    cfg.RetryBaseWait,
		RetryMaxWait:     cfg.RetryMaxWait,
		TransferTimeout:  cfg.TransferTimeout,
		LargeRepoSizeKB:  cfg.LargeRepoSizeKB,
		LargeRepoTimeout: cfg.LargeRepoTransferTimeout,
		Workers:          cfg.SyncWorkers,
		QueueSize:        cfg.SyncQueueSize,
		SweepInterval:    cfg.RetrySweepInterval,

		// GitHub accepts any username with a token over HTTPS; x-access-token
		// is the documented convention.
		SourceGitUsername: "x-access-token",
		SourceGitPassword: cfg.GithubToken,
		DestGitUsername:   onedev.GitUsername,
		DestGitPassword:   cfg.OneDevAPIToken,
	})

	// 6. Start the sync workers in the background
	orchDone := make(chan error, 1)
	go func() {
		orchDone <- orch.Start(ctx)
	}()

	// 7. Start the HTTP server
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(db, orch, m, logger, cfg.GithubWebhookSecret),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 8. Wait for shutdown signal or server failure
	select {
	case err := <-serverErr:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutdown signal received. Draining...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	select {
	case <-orchDone:
		logger.Info("Sync workers stopped")
	case <-shutdownCtx.Done():
		logger.Warn("Timed out waiting for sync workers to stop")
	}

	return nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
