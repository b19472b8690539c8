package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/venuepay/internal/bootstrap"
	"github.com/cassiomorais/venuepay/internal/controller"
	infraRedis "github.com/cassiomorais/venuepay/internal/infrastructure/redis"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "venuepay-api", "venuepay")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Config
	core := app.Payments()

	// The relay outlives the request path so shutdown rollbacks still reach the stream.
	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		core.Relay.Run(relayCtx)
	}()

	core.Start(ctx)

	// --- Build router ---
	router := controller.NewRouter(controller.RouterDeps{
		Router:       core.Router,
		Transactions: core.Transactions,
		Breakers:     core.Breakers,
		HealthChecks: []controller.HealthCheck{
			{Name: "database", Check: app.Pool.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() }},
		},
		Metrics:        app.Metrics,
		CORSConfig:     cfg.Server.CORS,
		RateLimit:      cfg.Server.RateLimit,
		RequestTimeout: cfg.Server.RequestTimeout,
		Auth:           cfg.Auth,
		Idempotency:    infraRedis.NewResponseCache(app.Redis),
		Logger:         app.Logger,
	})

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. HTTP server.
	g.Go(func() error {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 2. Stale transaction reaper.
	g.Go(func() error {
		return core.Transactions.RunReaper(gCtx, cfg.Transaction.ReapInterval, cfg.Transaction.MaxAge)
	})

	// 3. Gateway readiness refresh.
	g.Go(func() error {
		return core.RefreshReadiness(gCtx, cfg.Gateway.RefreshInterval)
	})

	// 4. Graceful shutdown.
	g.Go(func() error {
		<-gCtx.Done()
		app.Logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error().Err(err).Msg("Server forced to shutdown")
		}
		core.Transactions.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		app.Logger.Error().Err(err).Msg("API error")
	}

	stopRelay()
	<-relayDone
	if dropped := core.Bus.Dropped(); dropped > 0 {
		app.Logger.Warn().Uint64("dropped", dropped).Msg("Events dropped during run")
	}
	app.Logger.Info().Msg("Server exited")
}
