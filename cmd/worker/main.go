package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cassiomorais/venuepay/internal/bootstrap"
	"github.com/cassiomorais/venuepay/internal/infrastructure/observability"
	"github.com/cassiomorais/venuepay/internal/infrastructure/postgres"
	infraRedis "github.com/cassiomorais/venuepay/internal/infrastructure/redis"
	"github.com/cassiomorais/venuepay/internal/reconcile"
	"github.com/cassiomorais/venuepay/pkg/retry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	journalAuditInterval = 5 * time.Minute
	journalAuditLimit    = 50
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "venuepay-worker", "venuepay_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Config
	workerCfg := cfg.Worker

	// --- Event stream consumer ---
	consumer := infraRedis.NewStreamConsumer(app.Redis, infraRedis.ConsumerConfig{
		Stream:        cfg.Events.Stream,
		Group:         workerCfg.ConsumerGroup,
		Consumer:      cfg.InstanceID,
		BatchSize:     workerCfg.BatchSize,
		BlockDuration: workerCfg.BlockDuration,
		ClaimMinIdle:  workerCfg.ClaimMinIdle,
	}, app.Logger)
	if err := consumer.CreateGroup(ctx); err != nil {
		app.Logger.Error().Err(err).Msg("Failed to create consumer group")
		os.Exit(1)
	}

	opts := []reconcile.Option{
		reconcile.WithMetrics(app.Metrics),
		reconcile.WithRetry(retry.Config{
			MaxAttempts:  workerCfg.MaxRetries,
			InitialDelay: workerCfg.RetryDelay,
			MaxDelay:     30 * workerCfg.RetryDelay,
		}),
	}
	var journal *postgres.JournalRepository
	if cfg.Transaction.Journal {
		journal = postgres.NewJournalRepository(app.Pool)
		opts = append(opts, reconcile.WithJournal(journal))
	}

	reconciler := reconcile.New(
		consumer,
		infraRedis.NewStreamProducer(app.Redis, infraRedis.DLQStream, cfg.Events.StreamMaxLen),
		infraRedis.NewLocker(app.Redis, workerCfg.LockTTL),
		app.Gateways(),
		app.Logger,
		opts...,
	)

	app.Logger.Info().
		Str("stream", cfg.Events.Stream).
		Str("group", workerCfg.ConsumerGroup).
		Str("consumer", cfg.InstanceID).
		Msg("Worker started, listening for messages...")

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Compensation reconciler (reads transaction outcomes from the event stream).
	g.Go(func() error {
		return reconciler.Run(gCtx)
	})

	// 2. Journal audit (reports transactions still awaiting reconciliation).
	if journal != nil {
		g.Go(func() error {
			return runJournalAudit(gCtx, app.Logger, journal, journalAuditInterval)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

func runJournalAudit(
	ctx context.Context,
	logger zerolog.Logger,
	journal *postgres.JournalRepository,
	interval time.Duration,
) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		pending, err := journal.PendingReconciliation(ctx, journalAuditLimit)
		if err != nil {
			logger.Error().Err(err).Msg("Journal audit failed")
			continue
		}
		for _, entry := range pending {
			observability.Alert(&logger).
				Str("transaction_id", entry.TransactionID).
				Str("venue_id", entry.VenueID).
				Str("outcome", entry.Outcome).
				Time("finished_at", entry.FinishedAt).
				Msg("Transaction awaiting reconciliation")
		}
	}
}
