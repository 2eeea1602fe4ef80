// Package main is the entry point for the accounting service.
//
// The process runs three kinds of work concurrently:
//
// 1. The HTTP/JSON API (accounts, budget, prices, reservations, balances,
// reports) plus /health and /metrics
// 2. The three SQS FIFO consumers turning usage events into job updates
// 3. The three periodic charger tasks settling jobs against the ledger
//
// Configuration is via environment variables (12-factor app pattern).
//
// Lifecycle:
// 1. Load configuration from env
// 2. Connect to PostgreSQL and resolve the SQS queue URLs
// 3. Start the HTTP server, consumers and chargers
// 4. Wait for shutdown signal
// 5. Cancel the workers and drain HTTP connections
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openvlab/accounting/internal/config"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/queue"
	"github.com/openvlab/accounting/internal/server"
	"github.com/openvlab/accounting/internal/service"
	"github.com/openvlab/accounting/internal/task"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting accounting service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, database.Config{
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		ConnMaxIdleTime: cfg.DBConnIdleTime,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer db.Close()

	queues, err := queue.NewManager(ctx, []string{
		cfg.OneshotQueueName,
		cfg.LongrunQueueName,
		cfg.StorageQueueName,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize sqs queues")
	}

	svc := service.New(db, cfg, logger)

	httpServer := server.New(svc, queues, cfg, logger).HTTPServer()
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	var wg sync.WaitGroup
	runWorker := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("worker", name).Msg("worker stopped")
			}
		}()
	}

	runWorker("consume_oneshot", queue.NewOneshotConsumer(db, queues, cfg, logger).Run)
	runWorker("consume_longrun", queue.NewLongrunConsumer(db, queues, cfg, logger).Run)
	runWorker("consume_storage", queue.NewStorageConsumer(db, queues, cfg, logger).Run)

	runWorker("charge_oneshot", task.NewOneshotCharger(db, svc, cfg, logger).Run)
	runWorker("charge_longrun", task.NewLongrunCharger(db, svc, cfg, logger).Run)
	runWorker("charge_storage", task.NewStorageCharger(db, svc, cfg, logger).Run)

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	wg.Wait()
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
// In development the console writer is easier to read; in production JSON
// goes to the log collector.
func setupLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if cfg.LogFormat == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.AppName).
		Str("environment", cfg.Environment).
		Logger()
}
