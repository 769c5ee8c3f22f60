// Package main runs the volumetry agent: the long-running HTTP service
// that analyzes segmentation studies under storage/studies.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	app "github.com/voxelcare/volumetry-agent/internal/app"
	"github.com/voxelcare/volumetry-agent/internal/app/httpapi"
	"github.com/voxelcare/volumetry-agent/internal/app/storage/archive"
	"github.com/voxelcare/volumetry-agent/internal/app/storage/sqldb"
	"github.com/voxelcare/volumetry-agent/internal/bootstrap"
	"github.com/voxelcare/volumetry-agent/internal/config"
	"github.com/voxelcare/volumetry-agent/internal/server"
	"github.com/voxelcare/volumetry-agent/pkg/logger"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "volumetry-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	}).WithField("module", "agent")

	arch, err := archive.New(cfg.Storage.Root, cfg.Storage.StudiesDir)
	if err != nil {
		return fmt.Errorf("configure archive: %w", err)
	}

	db, err := openRegistry(cfg.Database)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	if db != nil {
		defer db.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores := app.Stores{Archive: arch, DB: db}
	if db != nil {
		stores.Analyses = sqldb.New(db)
	}

	application, err := app.New(ctx, cfg, stores, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	report, err := bootstrap.Run(ctx, cfg, bootstrap.Deps{
		Archive: arch,
		DB:      db,
		Cache:   application.Cache,
	}, log)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	log.WithFields(report.Fields()).Info("bootstrap complete")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	srv := server.New(cfg, httpapi.NewHandler(application), log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("service shutdown error")
	}

	log.Info("agent stopped")
	return nil
}

// openRegistry connects the analysis registry database. An empty
// driver keeps the registry in memory and returns a nil handle.
func openRegistry(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.Driver == "" {
		return nil, nil
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())
	return db, nil
}
