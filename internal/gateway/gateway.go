// Package gateway is the boundary to the external charge-capture gateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/domain/intent"
)

// Webhook event types dispatched by the payment processor.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
)

// IsHealthyResult reports whether a call outcome shows a working gateway.
// Declines and unknown intents are answers from a healthy gateway and must
// not count toward opening a circuit.
func IsHealthyResult(err error) bool {
	return err == nil ||
		errors.Is(err, domainErrors.ErrProviderRejected) ||
		errors.Is(err, domainErrors.ErrIntentNotFound)
}

// CreateParams describes a new payment intent.
type CreateParams struct {
	Amount         int64
	Currency       string
	CaptureMethod  intent.CaptureMethod
	Metadata       map[string]string
	IdempotencyKey string
}

// Gateway is the capability set of one external gateway.
type Gateway interface {
	Name() string
	CreateIntent(ctx context.Context, params CreateParams) (*intent.Intent, error)
	ConfirmIntent(ctx context.Context, id string) (*intent.Intent, error)
	CaptureIntent(ctx context.Context, id string) (*intent.Intent, error)
	CancelIntent(ctx context.Context, id string) (*intent.Intent, error)
	RetrieveIntent(ctx context.Context, id string) (*intent.Intent, error)
	Ping(ctx context.Context) error
	// VerifyWebhook authenticates payload against header and decodes it.
	VerifyWebhook(payload []byte, header, secret string) (*Event, error)
}

// Event is a verified webhook notification.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

// EventData carries the resource the event is about.
type EventData struct {
	Object json.RawMessage `json:"object"`
}

// Intent decodes the event object as a payment intent.
func (e *Event) Intent() (*intent.Intent, error) {
	if len(e.Data.Object) == 0 {
		return nil, fmt.Errorf("event %s has no object", e.ID)
	}
	var w wireIntent
	if err := json.Unmarshal(e.Data.Object, &w); err != nil {
		return nil, fmt.Errorf("decode event object: %w", err)
	}
	return w.toIntent(), nil
}

// ParseEvent decodes a webhook body. It does not authenticate it.
func ParseEvent(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, domainErrors.NewValidationError("payload", "malformed webhook body")
	}
	if e.ID == "" || e.Type == "" {
		return nil, domainErrors.NewValidationError("payload", "webhook event requires id and type")
	}
	return &e, nil
}

// wireIntent is the JSON shape of a payment intent on the gateway API.
type wireIntent struct {
	ID            string            `json:"id"`
	Object        string            `json:"object,omitempty"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	CaptureMethod string            `json:"capture_method,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (w wireIntent) toIntent() *intent.Intent {
	return &intent.Intent{
		ID:       w.ID,
		Amount:   w.Amount,
		Currency: w.Currency,
		Status:   intent.Status(w.Status),
		Metadata: w.Metadata,
	}
}

func fromIntent(in *intent.Intent, capture intent.CaptureMethod) wireIntent {
	return wireIntent{
		ID:            in.ID,
		Object:        "payment_intent",
		Amount:        in.Amount,
		Currency:      in.Currency,
		Status:        string(in.Status),
		CaptureMethod: string(capture),
		Metadata:      in.Metadata,
	}
}

// CancelUnlessCanceled cancels the intent unless the gateway already reports
// it canceled. It re-reads the intent first so repeated compensation is safe.
func CancelUnlessCanceled(ctx context.Context, gw Gateway, id string) (*intent.Intent, error) {
	current, err := gw.RetrieveIntent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("retrieve intent %s: %w", id, err)
	}
	if current.Status == intent.StatusCanceled {
		return current, nil
	}
	canceled, err := gw.CancelIntent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancel intent %s: %w", id, err)
	}
	return canceled, nil
}
