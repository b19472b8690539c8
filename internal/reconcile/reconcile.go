// Package reconcile retries compensations that failed during rollback,
// using the transaction outcome events relayed to the durable stream.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/events"
	"github.com/cassiomorais/venuepay/internal/gateway"
	"github.com/cassiomorais/venuepay/internal/infrastructure/observability"
	"github.com/cassiomorais/venuepay/internal/payment"
	"github.com/cassiomorais/venuepay/internal/transaction"
	"github.com/cassiomorais/venuepay/pkg/retry"
	"github.com/rs/zerolog"
)

const streamLabel = "events"

// Stream delivers relayed events to this consumer.
type Stream interface {
	Read(ctx context.Context) ([]events.Delivery, error)
	Ack(ctx context.Context, id string) error
}

// DeadLetter parks deliveries that need an operator.
type DeadLetter interface {
	DeadLetter(ctx context.Context, d events.Delivery, reason string) error
}

// Locker serializes work on one key across workers.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Journal records that a transaction no longer needs reconciliation.
type Journal interface {
	MarkReconciled(ctx context.Context, transactionID string) error
}

// Outcome describes what happened to one delivery.
type Outcome string

const (
	OutcomeSkipped      Outcome = "skipped"
	OutcomeReconciled   Outcome = "reconciled"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

var cancelIntentKind = transaction.CompensationKind(payment.OpCreateIntent)

// Reconciler consumes transaction outcome events and retries failed
// intent cancellations against the gateway that created the intent.
type Reconciler struct {
	stream   Stream
	dlq      DeadLetter
	locker   Locker
	gateways map[string]gateway.Gateway
	fallback gateway.Gateway
	journal  Journal
	retry    retry.Config
	idle     time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithJournal marks journal entries reconciled after a successful retry.
func WithJournal(j Journal) Option {
	return func(r *Reconciler) { r.journal = j }
}

// WithRetry sets the backoff used for each cancellation.
func WithRetry(cfg retry.Config) Option {
	return func(r *Reconciler) { r.retry = cfg }
}

// WithMetrics counts processed deliveries.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithIdleBackoff sets the pause after a failed stream read.
func WithIdleBackoff(d time.Duration) Option {
	return func(r *Reconciler) { r.idle = d }
}

// New creates a reconciler. The first gateway handles compensations that do
// not name one.
func New(stream Stream, dlq DeadLetter, locker Locker, gateways []gateway.Gateway, logger zerolog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		stream:   stream,
		dlq:      dlq,
		locker:   locker,
		gateways: make(map[string]gateway.Gateway, len(gateways)),
		retry:    retry.DefaultConfig(),
		idle:     time.Second,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
	for i, gw := range gateways {
		if i == 0 {
			r.fallback = gw
		}
		r.gateways[gw.Name()] = gw
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes deliveries until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info().Msg("Reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reconciler stopped")
			return nil
		default:
		}

		deliveries, err := r.stream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error().Err(err).Msg("Failed to read events")
			select {
			case <-ctx.Done():
			case <-time.After(r.idle):
			}
			continue
		}

		for _, d := range deliveries {
			r.handle(ctx, d)
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, d events.Delivery) {
	outcome, err := r.Process(ctx, d)
	if err != nil {
		// Left pending; another read reclaims it once it has been idle long enough.
		r.count("retry")
		r.logger.Warn().Err(err).Str("message_id", d.ID).Str("transaction_id", d.Event.TransactionID).Msg("Reconciliation deferred")
		return
	}
	r.count(string(outcome))
	if err := r.stream.Ack(ctx, d.ID); err != nil {
		r.logger.Error().Err(err).Str("message_id", d.ID).Msg("Failed to ack event")
	}
}

// Process reconciles a single delivery. A non-nil error means the delivery
// should be retried later and must not be acknowledged.
func (r *Reconciler) Process(ctx context.Context, d events.Delivery) (Outcome, error) {
	e := d.Event
	if e.Type != events.TransactionRolledBack && e.Type != events.TransactionRollbackFailed {
		return OutcomeSkipped, nil
	}

	failed := e.FailedCompensations()
	if len(failed) == 0 {
		if e.Type == events.TransactionRollbackFailed {
			// The database discards a transaction whose abort failed once its
			// connection goes away, so there is nothing left to undo.
			r.logger.Info().Str("transaction_id", e.TransactionID).Msg("Session abort failed, no compensations pending")
			return r.reconciled(ctx, e)
		}
		return OutcomeSkipped, nil
	}

	var unresolved []string
	for _, fc := range failed {
		err := r.retryCompensation(ctx, fc)
		if errors.Is(err, domainErrors.ErrLockAcquisitionFailed) {
			return "", err
		}
		if err != nil {
			observability.Alert(&r.logger).
				Err(err).
				Str("transaction_id", e.TransactionID).
				Str("kind", fc.Kind).
				Interface("payload", fc.Payload).
				Msg("Compensation could not be reconciled")
			unresolved = append(unresolved, fmt.Sprintf("%s: %v", fc.Kind, err))
			continue
		}
		r.logger.Info().
			Str("transaction_id", e.TransactionID).
			Str("kind", fc.Kind).
			Interface("payload", fc.Payload).
			Msg("Compensation reconciled")
	}

	if len(unresolved) > 0 {
		if err := r.dlq.DeadLetter(ctx, d, strings.Join(unresolved, "; ")); err != nil {
			return "", fmt.Errorf("dead letter: %w", err)
		}
		return OutcomeDeadLettered, nil
	}
	return r.reconciled(ctx, e)
}

func (r *Reconciler) reconciled(ctx context.Context, e events.Event) (Outcome, error) {
	if r.journal != nil && e.TransactionID != "" {
		if err := r.journal.MarkReconciled(ctx, e.TransactionID); err != nil {
			r.logger.Error().Err(err).Str("transaction_id", e.TransactionID).Msg("Failed to update journal")
		}
	}
	return OutcomeReconciled, nil
}

func (r *Reconciler) retryCompensation(ctx context.Context, fc events.FailedCompensation) error {
	if fc.Kind != cancelIntentKind {
		return fmt.Errorf("no automatic reconciliation for %s", fc.Kind)
	}
	intentID := fc.Payload[payment.PayloadIntentID]
	if intentID == "" {
		return errors.New("compensation payload has no intent id")
	}
	gw, err := r.gatewayFor(fc.Payload[payment.PayloadGateway])
	if err != nil {
		return err
	}

	return r.locker.WithLock(ctx, "reconcile:"+intentID, func(ctx context.Context) error {
		return retry.Do(ctx, r.retry, func() error {
			_, err := gateway.CancelUnlessCanceled(ctx, gw, intentID)
			if errors.Is(err, domainErrors.ErrProviderRejected) || errors.Is(err, domainErrors.ErrIntentNotFound) {
				return retry.Permanent(err)
			}
			return err
		}, func(attempt uint, err error) {
			r.logger.Warn().Err(err).Uint("attempt", attempt).Str("intent_id", intentID).Msg("Retrying intent cancellation")
		})
	})
}

func (r *Reconciler) gatewayFor(name string) (gateway.Gateway, error) {
	if name == "" {
		if r.fallback == nil {
			return nil, errors.New("no gateway configured")
		}
		return r.fallback, nil
	}
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("unknown gateway %q", name)
	}
	return gw, nil
}

func (r *Reconciler) count(status string) {
	if r.metrics != nil {
		r.metrics.WorkerMessagesProcessed.WithLabelValues(streamLabel, status).Inc()
	}
}
