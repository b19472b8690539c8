package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cassiomorais/venuepay/internal/gateway"
	"github.com/cassiomorais/venuepay/internal/infrastructure/config"
	"github.com/cassiomorais/venuepay/internal/infrastructure/observability"
	"github.com/cassiomorais/venuepay/internal/infrastructure/postgres"
	infraRedis "github.com/cassiomorais/venuepay/internal/infrastructure/redis"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const tracerShutdownTimeout = 5 * time.Second

// App holds the process-wide dependencies shared by the api and worker
// binaries. Gateways are built once so that the processors and the
// reconciler talk to the same clients.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics

	// Gateway is the stable charge-capture gateway. Canary is nil unless
	// canary_gateway is enabled.
	Gateway gateway.Gateway
	Canary  gateway.Gateway

	tracer *sdktrace.TracerProvider
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout).With().
		Str("service", serviceName).
		Str("instance", cfg.InstanceID).
		Logger()
	logger.Info().
		Str("gateway", cfg.Gateway.Name).
		Bool("canary", cfg.CanaryGateway.Enabled).
		Msg("Starting")

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(metricsNamespace, nil),
	}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.tracer = tp
		}
	}

	app.Pool, err = postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	app.Redis, err = infraRedis.NewClient(ctx, &cfg.Redis, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	app.Gateway = NewGateway(cfg.Gateway, observability.Component(logger, "gateway"))
	if cfg.CanaryGateway.Enabled {
		app.Canary = NewGateway(cfg.CanaryGateway, observability.Component(logger, "gateway"))
	}

	logger.Info().Msg("Infrastructure ready")
	return app, nil
}

// Gateways returns the configured gateways, stable first.
func (a *App) Gateways() []gateway.Gateway {
	gws := []gateway.Gateway{a.Gateway}
	if a.Canary != nil {
		gws = append(gws, a.Canary)
	}
	return gws
}

// NewGateway returns the HTTP client for gc, or the in-process mock when no
// base URL is configured.
func NewGateway(gc config.GatewayConfig, logger zerolog.Logger) gateway.Gateway {
	if gc.Mock() {
		logger.Warn().Str("gateway", gc.Name).Msg("No gateway base_url configured, using in-process mock gateway")
		return gateway.NewMock(gc.Name, gateway.WithVerifier(gateway.Verifier{Tolerance: gc.WebhookTolerance}))
	}
	return gateway.NewClient(gateway.ClientConfig{
		Name:             gc.Name,
		BaseURL:          gc.BaseURL,
		APIKey:           gc.APIKey,
		Timeout:          gc.Timeout,
		WebhookTolerance: gc.WebhookTolerance,
	}, logger)
}

// Close flushes pending spans and releases connections. It is safe on a
// partially built App.
func (a *App) Close() {
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		if err := observability.Shutdown(ctx, a.tracer); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to flush traces")
		}
		cancel()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
