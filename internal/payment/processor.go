// Package payment orchestrates gateway intents inside transactions.
package payment

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cassiomorais/venuepay/internal/breaker"
	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/domain/intent"
	"github.com/cassiomorais/venuepay/internal/events"
	"github.com/cassiomorais/venuepay/internal/gateway"
	"github.com/cassiomorais/venuepay/internal/infrastructure/observability"
	"github.com/cassiomorais/venuepay/internal/transaction"
	"github.com/cassiomorais/venuepay/pkg/retry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Operation types registered on transactions.
const (
	OpCreateIntent  = "create_intent"
	OpConfirmIntent = "confirm_intent"
	OpCaptureIntent = "capture_intent"
)

// Compensation payload keys.
const (
	PayloadIntentID = "intent_id"
	PayloadVenueID  = "venue_id"
	PayloadGateway  = "gateway"
)

// metaVariant records on the transaction which processor variant opened it.
const metaVariant = "processorVariant"

// ProcessRequest asks for a new two-step payment.
type ProcessRequest struct {
	Amount   int64
	Currency string
	Metadata map[string]string
}

// ProcessResult references the created intent and its owning transaction.
type ProcessResult struct {
	IntentID      string
	TransactionID string
	Status        intent.Status
}

// ValidateRequest asks whether an intent has succeeded. When UserID is set
// the intent must belong to that user.
type ValidateRequest struct {
	IntentID string
	UserID   string
}

// Processor is the boundary to one gateway.
type Processor struct {
	variant       string
	gateway       gateway.Gateway
	txm           *transaction.Manager
	breakers      *breaker.Registry
	store         IntentStore
	dedupe        WebhookDeduper
	publisher     events.Publisher
	metrics       *observability.Metrics
	logger        zerolog.Logger
	tracer        trace.Tracer
	webhookSecret string
	readiness     retry.Config

	ready atomic.Bool
	// confirming holds the ids of transactions with a confirm in flight.
	confirming sync.Map
}

// Option configures a Processor.
type Option func(*Processor)

// WithVariant names the processor variant ("stable", "canary").
func WithVariant(name string) Option {
	return func(p *Processor) { p.variant = name }
}

// WithPublisher sets the event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Processor) { p.publisher = pub }
}

// WithMetrics records payment metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithDeduper enables webhook event deduplication.
func WithDeduper(d WebhookDeduper) Option {
	return func(p *Processor) { p.dedupe = d }
}

// WithWebhookSecret sets the shared webhook signing secret.
func WithWebhookSecret(secret string) Option {
	return func(p *Processor) { p.webhookSecret = secret }
}

// WithReadinessRetry configures how Start probes the gateway.
func WithReadinessRetry(cfg retry.Config) Option {
	return func(p *Processor) { p.readiness = cfg }
}

// NewProcessor creates a processor. It is not ready until Start succeeds
// or SetReady(true) is called.
func NewProcessor(
	gw gateway.Gateway,
	txm *transaction.Manager,
	breakers *breaker.Registry,
	store IntentStore,
	logger zerolog.Logger,
	opts ...Option,
) *Processor {
	p := &Processor{
		variant:   "stable",
		gateway:   gw,
		txm:       txm,
		breakers:  breakers,
		store:     store,
		publisher: events.Discard,
		tracer:    otel.Tracer("venuepay/payment"),
		readiness: retry.Config{MaxAttempts: 5, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = logger.With().
		Str("component", "payment_processor").
		Str("variant", p.variant).
		Str("gateway", gw.Name()).
		Logger()
	return p
}

// Variant returns the processor variant name.
func (p *Processor) Variant() string { return p.variant }

// Gateway returns the gateway name.
func (p *Processor) Gateway() string { return p.gateway.Name() }

// Start probes the gateway with backoff and marks the processor ready on
// success.
func (p *Processor) Start(ctx context.Context) error {
	err := retry.Do(ctx, p.readiness, func() error {
		return p.gateway.Ping(ctx)
	}, func(attempt uint, err error) {
		p.logger.Warn().Err(err).Uint("attempt", attempt).Msg("Gateway not reachable, retrying")
	})
	if err != nil {
		p.SetReady(false)
		p.logger.Error().Err(err).Msg("Gateway unreachable, processor not ready")
		return fmt.Errorf("gateway readiness: %w", err)
	}
	p.SetReady(true)
	p.logger.Info().Msg("Payment processor ready")
	return nil
}

// Refresh re-probes the gateway once and updates readiness.
func (p *Processor) Refresh(ctx context.Context) bool {
	err := p.gateway.Ping(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Gateway readiness probe failed")
	}
	p.SetReady(err == nil)
	return err == nil
}

// SetReady sets the gateway reachability flag.
func (p *Processor) SetReady(ready bool) {
	if p.ready.Swap(ready) != ready {
		p.logger.Info().Bool("ready", ready).Msg("Processor readiness changed")
	}
}

// Ready reports the gateway reachability flag.
func (p *Processor) Ready() bool {
	return p.ready.Load()
}

// ProcessPayment opens a transaction and creates a manual-capture intent in
// it. The transaction stays open until ConfirmPayment or rollback.
func (p *Processor) ProcessPayment(ctx context.Context, req ProcessRequest) (result *ProcessResult, err error) {
	const op = "process"
	ctx, span := p.tracer.Start(ctx, "payment.ProcessPayment")
	defer p.observe(op, span, time.Now(), &err)

	if err := p.checkReady(); err != nil {
		return nil, err
	}
	if err := intent.ValidateAmount(req.Amount, req.Currency); err != nil {
		return nil, err
	}

	meta := maps.Clone(req.Metadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	venue := intent.VenueOf(meta)
	span.SetAttributes(attribute.String("venue.id", venue), attribute.Int64("payment.amount", req.Amount))

	p.publish(events.PaymentInitiated, "", "", venue, map[string]any{
		"amount":   req.Amount,
		"currency": req.Currency,
		"user_id":  meta[intent.MetaUserID],
		"variant":  p.variant,
	})

	txMeta := make(map[string]any, len(meta))
	for k, v := range meta {
		txMeta[k] = v
	}
	txMeta[metaVariant] = p.variant
	tx, err := p.txm.Begin(ctx, txMeta)
	if err != nil {
		p.publish(events.PaymentFailed, "", "", venue, map[string]any{"stage": op, "error": err.Error()})
		return nil, domainErrors.Wrap(domainErrors.CodePaymentProcessing, domainErrors.ErrPaymentProcessing, err)
	}
	txID := tx.ID()
	meta[intent.MetaTransactionID] = txID
	span.SetAttributes(attribute.String("transaction.id", txID))

	in, err := breaker.Do(ctx, p.breakers, p.gateway.Name(), venue, func(ctx context.Context) (*intent.Intent, error) {
		return p.gateway.CreateIntent(ctx, gateway.CreateParams{
			Amount:         req.Amount,
			Currency:       req.Currency,
			CaptureMethod:  intent.CaptureManual,
			Metadata:       meta,
			IdempotencyKey: txID,
		})
	})
	if err != nil {
		return nil, p.abortProcess(ctx, txID, "", venue, err)
	}

	idx, err := p.txm.AddOperation(ctx, txID, transaction.Operation{
		Type:     OpCreateIntent,
		Data:     in.ID,
		Rollback: p.cancelCompensation(in.ID, venue),
	})
	if err != nil {
		// The transaction vanished before the compensation was registered.
		if cancelErr := p.cancelUnlessCanceled(ctx, in.ID, venue); cancelErr != nil {
			observability.Alert(&p.logger).Err(cancelErr).Str("intent_id", in.ID).Msg("Orphaned intent could not be canceled")
		}
		return nil, p.abortProcess(ctx, txID, in.ID, venue, err)
	}

	if err := p.saveRecord(ctx, txID, in); err != nil {
		return nil, p.abortProcess(ctx, txID, in.ID, venue, err)
	}
	if err := p.txm.CompleteOperation(ctx, txID, idx); err != nil {
		return nil, p.abortProcess(ctx, txID, in.ID, venue, err)
	}

	p.logger.Info().
		Str("transaction_id", txID).
		Str("intent_id", in.ID).
		Str("venue_id", venue).
		Str("amount", intent.FormatAmount(in.Amount, in.Currency)).
		Msg("Payment intent created")

	return &ProcessResult{IntentID: in.ID, TransactionID: txID, Status: in.Status}, nil
}

// ConfirmPayment confirms and captures the intent, then commits its
// transaction. Any failure rolls the transaction back.
func (p *Processor) ConfirmPayment(ctx context.Context, intentID, txID string) (captured *intent.Intent, err error) {
	const op = "confirm"
	ctx, span := p.tracer.Start(ctx, "payment.ConfirmPayment",
		trace.WithAttributes(attribute.String("intent.id", intentID), attribute.String("transaction.id", txID)))
	defer p.observe(op, span, time.Now(), &err)

	if err := p.checkReady(); err != nil {
		return nil, err
	}

	if _, busy := p.confirming.LoadOrStore(txID, struct{}{}); busy {
		return nil, domainErrors.Wrap(domainErrors.CodeConfirmationBusy, domainErrors.ErrConfirmationInProgress,
			fmt.Errorf("transaction %s is being confirmed", txID))
	}
	defer p.confirming.Delete(txID)

	snap := p.txm.State(txID)
	if snap == nil {
		return nil, transaction.NotFound(txID)
	}
	if !ownsIntent(snap, intentID) {
		return nil, domainErrors.NewValidationError("intentId", "intent does not belong to transaction")
	}
	venue := venueOf(snap)

	fail := func(err error) (*intent.Intent, error) {
		p.txm.Rollback(ctx, txID, err)
		p.publish(events.PaymentFailed, txID, intentID, venue, map[string]any{"stage": op, "error": err.Error()})
		return nil, err
	}

	confirmed, err := p.step(ctx, txID, OpConfirmIntent, intentID, venue, p.gateway.ConfirmIntent)
	if err != nil {
		return fail(domainErrors.Wrap(domainErrors.CodeConfirmationFailed, domainErrors.ErrPaymentConfirmationFailed, err))
	}
	if confirmed.Status != intent.StatusRequiresCapture {
		return fail(domainErrors.Wrap(domainErrors.CodeConfirmationFailed, domainErrors.ErrPaymentConfirmationFailed,
			fmt.Errorf("intent %s is %s after confirm, want %s", intentID, confirmed.Status, intent.StatusRequiresCapture)))
	}

	captured, err = p.step(ctx, txID, OpCaptureIntent, intentID, venue, p.gateway.CaptureIntent)
	if err != nil {
		return fail(domainErrors.Wrap(domainErrors.CodeCaptureFailed, domainErrors.ErrPaymentCaptureFailed, err))
	}
	if captured.Status != intent.StatusSucceeded {
		return fail(domainErrors.Wrap(domainErrors.CodeCaptureFailed, domainErrors.ErrPaymentCaptureFailed,
			fmt.Errorf("intent %s is %s after capture, want %s", intentID, captured.Status, intent.StatusSucceeded)))
	}

	err = p.txm.Within(ctx, txID, func(ctx context.Context) error {
		if err := p.store.UpdateStatus(ctx, intentID, captured.Status); err != nil {
			return fmt.Errorf("update intent record: %w", err)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	if err := p.txm.Commit(ctx, txID); err != nil {
		p.publish(events.PaymentFailed, txID, intentID, venue, map[string]any{"stage": "commit", "error": err.Error()})
		return nil, err
	}

	p.publish(events.PaymentCompleted, txID, intentID, venue, map[string]any{
		"amount":   captured.Amount,
		"currency": captured.Currency,
		"source":   "confirm",
	})
	p.logger.Info().
		Str("transaction_id", txID).
		Str("intent_id", intentID).
		Str("venue_id", venue).
		Msg("Payment captured")
	return captured, nil
}

// ValidatePayment re-reads the intent from the gateway and requires it to
// belong to req.UserID, when set, and to have succeeded.
func (p *Processor) ValidatePayment(ctx context.Context, req ValidateRequest) (in *intent.Intent, err error) {
	const op = "validate"
	ctx, span := p.tracer.Start(ctx, "payment.ValidatePayment", trace.WithAttributes(attribute.String("intent.id", req.IntentID)))
	defer p.observe(op, span, time.Now(), &err)

	if err := p.checkReady(); err != nil {
		return nil, err
	}
	if req.IntentID == "" {
		return nil, domainErrors.NewValidationError("intentId", "is required")
	}

	venue := intent.DefaultVenue
	if rec, err := p.store.GetByIntentID(ctx, req.IntentID); err == nil && rec != nil {
		venue = rec.VenueID
	}

	in, err = breaker.Do(ctx, p.breakers, p.gateway.Name(), venue, func(ctx context.Context) (*intent.Intent, error) {
		return p.gateway.RetrieveIntent(ctx, req.IntentID)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve intent: %w", err)
	}
	// Ownership comes first so a foreign caller learns nothing about the intent.
	if req.UserID != "" && in.Metadata[intent.MetaUserID] != req.UserID {
		return nil, domainErrors.Wrap(domainErrors.CodeAuthorization, domainErrors.ErrAuthorization, nil)
	}
	if in.Status != intent.StatusSucceeded {
		return nil, domainErrors.Wrap(domainErrors.CodePaymentNotSucceeded, domainErrors.ErrPaymentNotSucceeded,
			fmt.Errorf("intent %s is %s", in.ID, in.Status))
	}
	return in, nil
}

// step registers op, runs call through the breaker and marks op complete.
func (p *Processor) step(
	ctx context.Context,
	txID, opType, intentID, venue string,
	call func(context.Context, string) (*intent.Intent, error),
) (*intent.Intent, error) {
	idx, err := p.txm.AddOperation(ctx, txID, transaction.Operation{Type: opType, Data: intentID})
	if err != nil {
		return nil, err
	}
	in, err := breaker.Do(ctx, p.breakers, p.gateway.Name(), venue, func(ctx context.Context) (*intent.Intent, error) {
		return call(ctx, intentID)
	})
	if err != nil {
		return nil, err
	}
	if err := p.txm.CompleteOperation(ctx, txID, idx); err != nil {
		return nil, err
	}
	return in, nil
}

func (p *Processor) saveRecord(ctx context.Context, txID string, in *intent.Intent) error {
	rec := intent.NewRecord(in, txID)
	rec.Gateway = p.gateway.Name()
	return p.txm.Within(ctx, txID, func(ctx context.Context) error {
		if err := p.store.Save(ctx, rec); err != nil {
			return fmt.Errorf("save intent record: %w", err)
		}
		return nil
	})
}

func (p *Processor) cancelCompensation(intentID, venue string) *transaction.Compensation {
	return &transaction.Compensation{
		Payload: map[string]string{
			PayloadIntentID: intentID,
			PayloadVenueID:  venue,
			PayloadGateway:  p.gateway.Name(),
		},
		Execute: func(ctx context.Context) error {
			return p.cancelUnlessCanceled(ctx, intentID, venue)
		},
	}
}

func (p *Processor) cancelUnlessCanceled(ctx context.Context, intentID, venue string) error {
	_, err := breaker.Do(ctx, p.breakers, p.gateway.Name(), venue, func(ctx context.Context) (*intent.Intent, error) {
		return gateway.CancelUnlessCanceled(ctx, p.gateway, intentID)
	})
	return err
}

func (p *Processor) abortProcess(ctx context.Context, txID, intentID, venue string, cause error) error {
	p.txm.Rollback(ctx, txID, cause)
	p.publish(events.PaymentFailed, txID, intentID, venue, map[string]any{"stage": "process", "error": cause.Error()})
	p.logger.Error().
		Err(cause).
		Str("transaction_id", txID).
		Str("venue_id", venue).
		Msg("Payment processing failed")
	return domainErrors.Wrap(domainErrors.CodePaymentProcessing, domainErrors.ErrPaymentProcessing, cause)
}

func (p *Processor) checkReady() error {
	if !p.ready.Load() {
		return domainErrors.Wrap(domainErrors.CodeServiceNotReady, domainErrors.ErrServiceNotReady, nil)
	}
	return nil
}

func (p *Processor) publish(typ events.Type, txID, intentID, venue string, data map[string]any) {
	e := events.New(typ, data)
	e.TransactionID = txID
	e.IntentID = intentID
	e.VenueID = venue
	p.publisher.Publish(e)
}

func (p *Processor) observe(op string, span trace.Span, start time.Time, errp *error) {
	err := *errp
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if p.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
		code := domainErrors.CodeOf(err)
		if code == "" {
			code = "internal"
		}
		if errors.Is(err, domainErrors.ErrCircuitOpen) {
			code = domainErrors.CodeCircuitOpen
		}
		p.metrics.PaymentErrors.WithLabelValues(op, code).Inc()
	}
	p.metrics.PaymentsTotal.WithLabelValues(op, outcome).Inc()
	p.metrics.PaymentDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func ownsIntent(snap *transaction.Snapshot, intentID string) bool {
	for _, op := range snap.Operations {
		if op.Type == OpCreateIntent && op.Data == intentID {
			return true
		}
	}
	return false
}

func venueOf(snap *transaction.Snapshot) string {
	if v, ok := snap.Context[intent.MetaVenueID].(string); ok && v != "" {
		return v
	}
	return intent.DefaultVenue
}
