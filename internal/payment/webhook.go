package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/domain/intent"
	"github.com/cassiomorais/venuepay/internal/events"
	"github.com/cassiomorais/venuepay/internal/gateway"
)

// WebhookResult reports what HandleWebhook did with an event.
type WebhookResult struct {
	EventID   string
	Type      string
	Handled   bool
	Duplicate bool
}

// HandleWebhook verifies payload against the signature header and dispatches
// recognized event types. Nothing runs for a payload that fails
// verification. Unknown types are acknowledged without action.
func (p *Processor) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (res *WebhookResult, err error) {
	const op = "webhook"
	ctx, span := p.tracer.Start(ctx, "payment.HandleWebhook")
	defer p.observe(op, span, time.Now(), &err)

	if err := p.checkReady(); err != nil {
		return nil, err
	}

	event, err := p.gateway.VerifyWebhook(payload, signatureHeader, p.webhookSecret)
	if err != nil {
		result := "malformed"
		if errors.Is(err, domainErrors.ErrInvalidSignature) {
			result = "invalid_signature"
			p.logger.Warn().Err(err).Msg("Rejected webhook with invalid signature")
		}
		p.countWebhook("unknown", result)
		return nil, err
	}

	res = &WebhookResult{EventID: event.ID, Type: event.Type}
	log := p.logger.With().Str("event_id", event.ID).Str("event_type", event.Type).Logger()

	if p.dedupe != nil {
		first, err := p.dedupe.Claim(ctx, event.ID)
		if err != nil {
			log.Warn().Err(err).Msg("Webhook dedupe unavailable, handling event anyway")
		} else if !first {
			log.Info().Msg("Duplicate webhook event ignored")
			res.Duplicate = true
			p.countWebhook(event.Type, "duplicate")
			return res, nil
		}
	}

	var handleErr error
	switch event.Type {
	case gateway.EventIntentSucceeded:
		handleErr = p.onIntentSucceeded(ctx, event)
		res.Handled = true
	case gateway.EventIntentFailed, gateway.EventIntentCanceled:
		handleErr = p.onIntentFailed(ctx, event)
		res.Handled = true
	default:
		log.Info().Msg("Unhandled webhook event type acknowledged")
		p.countWebhook(event.Type, "ignored")
		return res, nil
	}

	if handleErr != nil {
		if p.dedupe != nil {
			if err := p.dedupe.Release(ctx, event.ID); err != nil {
				log.Warn().Err(err).Msg("Failed to release webhook dedupe key")
			}
		}
		p.countWebhook(event.Type, "error")
		return nil, fmt.Errorf("handle %s: %w", event.Type, handleErr)
	}

	p.countWebhook(event.Type, "handled")
	return res, nil
}

func (p *Processor) onIntentSucceeded(ctx context.Context, event *gateway.Event) error {
	in, err := event.Intent()
	if err != nil {
		return err
	}
	if err := p.recordStatus(ctx, in); err != nil {
		return err
	}
	p.publish(events.PaymentCompleted, in.Metadata[intent.MetaTransactionID], in.ID, in.Venue(), map[string]any{
		"amount":   in.Amount,
		"currency": in.Currency,
		"source":   "webhook",
		"event_id": event.ID,
	})
	return nil
}

func (p *Processor) onIntentFailed(ctx context.Context, event *gateway.Event) error {
	in, err := event.Intent()
	if err != nil {
		return err
	}
	if err := p.recordStatus(ctx, in); err != nil {
		return err
	}
	p.publish(events.PaymentFailed, in.Metadata[intent.MetaTransactionID], in.ID, in.Venue(), map[string]any{
		"stage":    "webhook",
		"status":   string(in.Status),
		"source":   "webhook",
		"event_id": event.ID,
	})
	return nil
}

// recordStatus mirrors the gateway status onto the local record. Intents
// created outside this service have no record and are skipped.
func (p *Processor) recordStatus(ctx context.Context, in *intent.Intent) error {
	err := p.store.UpdateStatus(ctx, in.ID, in.Status)
	if errors.Is(err, domainErrors.ErrIntentNotFound) {
		p.logger.Debug().Str("intent_id", in.ID).Msg("No local record for webhook intent")
		return nil
	}
	return err
}

func (p *Processor) countWebhook(eventType, result string) {
	if p.metrics != nil {
		p.metrics.WebhookEvents.WithLabelValues(eventType, result).Inc()
	}
}
