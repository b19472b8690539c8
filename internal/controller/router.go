package controller

import (
	"net/http"
	"time"

	"github.com/cassiomorais/venuepay/internal/breaker"
	"github.com/cassiomorais/venuepay/internal/infrastructure/config"
	"github.com/cassiomorais/venuepay/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/venuepay/internal/middleware"
	"github.com/cassiomorais/venuepay/internal/payment"
	"github.com/cassiomorais/venuepay/internal/transaction"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	Router         *payment.Router
	Transactions   *transaction.Manager
	Breakers       *breaker.Registry
	HealthChecks   []HealthCheck
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	CORSConfig     config.CORSConfig
	RateLimit      config.RateLimitConfig
	RequestTimeout time.Duration
	Auth           config.AuthConfig
	Idempotency    customMW.IdempotencyStore
	IdempotencyTTL time.Duration
	Logger         zerolog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", customMW.IdempotencyHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.SecurityHeaders())
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.Router, deps.HealthChecks...)
	paymentH := NewPaymentController(deps.Router, deps.Transactions)
	webhookH := NewWebhookController(deps.Router)
	transactionH := NewTransactionController(deps.Transactions, deps.Breakers)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	// Gateways authenticate with signatures, not bearer tokens.
	r.Post("/webhooks/{gateway}", webhookH.Receive)

	r.Route("/api/v1", func(r chi.Router) {
		if deps.Auth.JWTSecret != "" {
			r.Use(customMW.RequireAuth(deps.Auth.JWTSecret, deps.Auth.Issuer))
		} else {
			deps.Logger.Warn().Msg("auth.jwt_secret not set, API routes are unauthenticated")
		}
		if deps.RateLimit.Requests > 0 {
			r.Use(customMW.RateLimit(deps.RateLimit.Requests, deps.RateLimit.Window))
		}

		create := http.HandlerFunc(paymentH.CreatePayment)
		if deps.Idempotency != nil {
			r.With(customMW.Idempotency(deps.Idempotency, deps.IdempotencyTTL, deps.Logger)).Post("/payments", create)
		} else {
			r.Post("/payments", create)
		}
		r.Post("/payments/{id}/confirm", paymentH.ConfirmPayment)
		r.Get("/payments/{id}/validation", paymentH.ValidatePayment)

		r.Get("/transactions/{id}", transactionH.GetTransaction)
		r.Get("/breakers", transactionH.ListBreakers)
	})

	return r
}
