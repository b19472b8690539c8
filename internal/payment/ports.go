package payment

import (
	"context"

	"github.com/cassiomorais/venuepay/internal/domain/intent"
)

// IntentStore keeps the local record of every intent created through a
// transaction. Writes made with a transaction-bound context join its session.
type IntentStore interface {
	Save(ctx context.Context, rec *intent.Record) error
	UpdateStatus(ctx context.Context, intentID string, status intent.Status) error
	GetByIntentID(ctx context.Context, intentID string) (*intent.Record, error)
}

// WebhookDeduper remembers webhook event ids already handled.
type WebhookDeduper interface {
	// Claim returns true the first time eventID is seen.
	Claim(ctx context.Context, eventID string) (bool, error)
	// Release forgets eventID so a redelivery is handled again.
	Release(ctx context.Context, eventID string) error
}
