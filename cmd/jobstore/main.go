// Command jobstore runs a standalone scheduler store instance: it connects
// to MongoDB, bootstraps indexes, registers the instance, runs crash
// recovery and the misfire sweeper, and serves until terminated.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rezkam/jobstore/internal/application/scheduler"
	"github.com/rezkam/jobstore/internal/config"
	"github.com/rezkam/jobstore/internal/infrastructure/persistence/mongodb"
	"github.com/rezkam/jobstore/pkg/observability"
)

const serviceName = "jobstore"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations, cancelled on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Init observability. Configuration via OTEL_* env vars.
	lp, logger, err := observability.InitLogger(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		// Use a timeout to prevent hanging if the collector is unreachable.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	mp, err := observability.InitMeterProvider(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting jobstore", "instance_name", cfg.InstanceName, "instance_id", cfg.InstanceID)

	db, err := mongodb.Connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect storage: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Client().Disconnect(disconnectCtx); err != nil {
			slog.ErrorContext(disconnectCtx, "failed to disconnect storage", "error", err)
		}
	}()

	cols := mongodb.NewCollections(db, cfg.CollectionPrefix)
	if err := cols.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to ensure indexes: %w", err)
	}
	slog.InfoContext(ctx, "storage initialized", "database", cfg.DatabaseName(), "collection_prefix", cfg.CollectionPrefix)

	retry := mongodb.NewRetryer()
	store, err := scheduler.NewStore(scheduler.Params{
		Jobs:               mongodb.NewJobRepository(cols.Jobs, retry, cfg.InstanceName),
		Triggers:           mongodb.NewTriggerRepository(cols.Triggers, retry, cfg.InstanceName),
		Calendars:          mongodb.NewCalendarRepository(cols.Calendars, retry, cfg.InstanceName),
		Fired:              mongodb.NewFiredTriggerRepository(cols.Fired, retry, cfg.InstanceName),
		PausedGroups:       mongodb.NewPausedGroupRepository(cols.Paused, retry, cfg.InstanceName),
		Schedulers:         mongodb.NewSchedulerRepository(cols.Schedulers, retry, cfg.InstanceName),
		Locks:              mongodb.NewLockManager(cols.Locks, retry, cfg.InstanceName, cfg.InstanceID, mongodb.DefaultLockTTL),
		InstanceID:         cfg.InstanceID,
		MisfireThreshold:   cfg.MisfireThreshold,
		DBRetryInterval:    cfg.DBRetryInterval,
		MaxMisfiresPerPass: cfg.MaxMisfiresPerPass,
		ErrorLogThreshold:  cfg.RetryableActionErrorLogThreshold,
	})
	if err != nil {
		return fmt.Errorf("failed to build store: %w", err)
	}

	if err := store.SchedulerStarted(ctx); err != nil {
		return fmt.Errorf("failed to start store: %w", err)
	}

	<-ctx.Done()
	slog.Info("received shutdown signal, stopping store")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := store.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down store: %w", err)
	}
	return nil
}
