package bootstrap

import (
	"context"
	"time"

	"github.com/cassiomorais/venuepay/internal/breaker"
	"github.com/cassiomorais/venuepay/internal/events"
	"github.com/cassiomorais/venuepay/internal/features"
	"github.com/cassiomorais/venuepay/internal/gateway"
	"github.com/cassiomorais/venuepay/internal/infrastructure/config"
	"github.com/cassiomorais/venuepay/internal/infrastructure/observability"
	"github.com/cassiomorais/venuepay/internal/infrastructure/postgres"
	infraRedis "github.com/cassiomorais/venuepay/internal/infrastructure/redis"
	"github.com/cassiomorais/venuepay/internal/payment"
	"github.com/cassiomorais/venuepay/internal/transaction"
	"github.com/cassiomorais/venuepay/pkg/retry"
)

// Payments is the wired payment core of the API process.
type Payments struct {
	Bus          *events.Bus
	Relay        *events.Relay
	Transactions *transaction.Manager
	Breakers     *breaker.Registry
	Features     *features.Manager
	Router       *payment.Router
}

// Payments wires the event bus, transaction manager, breakers and one
// processor per configured gateway.
func (a *App) Payments() *Payments {
	cfg := a.Config

	bus := events.NewBus(cfg.Events.BufferSize, a.Logger, func(e events.Event) {
		a.Metrics.EventsDropped.Inc()
	})
	sinks := []events.Sink{
		infraRedis.NewStreamProducer(a.Redis, cfg.Events.Stream, cfg.Events.StreamMaxLen),
	}
	if cfg.Transaction.Journal {
		sinks = append(sinks, postgres.NewJournalRepository(a.Pool))
	}
	sinks = append(sinks, events.NewMetricsSink(a.Metrics), events.NewLogSink(a.Logger))
	relay := events.NewRelay(bus, observability.Component(a.Logger, "event_relay"), sinks...)

	txm := transaction.NewManager(
		postgres.NewSessionFactory(a.Pool, cfg.Database.RemoteApply),
		bus,
		observability.Component(a.Logger, "transaction_manager"),
		transaction.WithMetrics(a.Metrics),
	)

	breakers := breaker.NewRegistry(
		breakerSettings(cfg.Breaker),
		breaker.WithNotifier(breaker.NewEventNotifier(bus)),
		breaker.WithLoadProvider(infraRedis.NewVenueLoadProvider(a.Redis)),
		breaker.WithMetrics(a.Metrics),
		breaker.WithLogger(observability.Component(a.Logger, "breaker")),
	)

	flags := features.NewManager(features.Flag{
		Name:    features.CanaryProcessor,
		Enabled: cfg.CanaryGateway.Enabled,
		Rollout: cfg.Features.CanaryRollout,
		Venues:  cfg.Features.CanaryVenues,
	})

	store := postgres.NewIntentRepository(a.Pool)
	dedupe := infraRedis.NewWebhookDeduper(a.Redis, cfg.Worker.DedupeTTL)
	newProcessor := func(variant string, gw gateway.Gateway, gc config.GatewayConfig) *payment.Processor {
		return payment.NewProcessor(gw, txm, breakers, store, a.Logger,
			payment.WithVariant(variant),
			payment.WithPublisher(bus),
			payment.WithMetrics(a.Metrics),
			payment.WithDeduper(dedupe),
			payment.WithWebhookSecret(gc.WebhookSecret),
			payment.WithReadinessRetry(readinessRetry(gc)),
		)
	}

	stable := newProcessor("stable", a.Gateway, cfg.Gateway)
	var canary *payment.Processor
	if a.Canary != nil {
		canary = newProcessor("canary", a.Canary, cfg.CanaryGateway)
	}

	return &Payments{
		Bus:          bus,
		Relay:        relay,
		Transactions: txm,
		Breakers:     breakers,
		Features:     flags,
		Router:       payment.NewRouter(stable, canary, flags),
	}
}

// Start probes every gateway. A stable gateway that stays unreachable is
// logged, not fatal: the processor reports not ready and RefreshReadiness
// keeps probing.
func (p *Payments) Start(ctx context.Context) {
	for _, proc := range p.Router.Processors() {
		_ = proc.Start(ctx)
	}
}

// RefreshReadiness re-probes every gateway each interval until ctx is done.
func (p *Payments) RefreshReadiness(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, proc := range p.Router.Processors() {
				proc.Refresh(ctx)
			}
		}
	}
}

// breakerSettings counts only outages against a venue; declines leave the
// circuit alone.
func breakerSettings(bc config.BreakerConfig) breaker.Settings {
	return breaker.Settings{
		FailureThreshold:    bc.FailureThreshold,
		ResetTimeout:        bc.ResetTimeout,
		MaxHalfOpenAttempts: bc.MaxHalfOpenAttempts,
		IsSuccessful:        gateway.IsHealthyResult,
	}
}

func readinessRetry(gc config.GatewayConfig) retry.Config {
	cfg := retry.DefaultConfig()
	if gc.ReadyAttempts > 0 {
		cfg.MaxAttempts = gc.ReadyAttempts
	}
	if gc.ReadyDelay > 0 {
		cfg.InitialDelay = gc.ReadyDelay
	}
	return cfg
}
