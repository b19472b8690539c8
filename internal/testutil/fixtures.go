package testutil

import (
	"encoding/json"
	"time"

	"github.com/cassiomorais/venuepay/internal/domain/intent"
	"github.com/cassiomorais/venuepay/internal/gateway"
)

// TestWebhookSecret signs webhooks built by NewWebhook.
const TestWebhookSecret = "whsec_test_secret"

// NewTestIntent builds an intent in status.
func NewTestIntent(id string, status intent.Status, meta map[string]string) *intent.Intent {
	return &intent.Intent{
		ID:       id,
		Amount:   5000,
		Currency: "cad",
		Status:   status,
		Metadata: meta,
	}
}

// NewWebhook returns a signed webhook body and header for an event of
// eventType about in.
func NewWebhook(eventID, eventType string, in *intent.Intent) ([]byte, string) {
	object, _ := json.Marshal(map[string]any{
		"id":       in.ID,
		"object":   "payment_intent",
		"amount":   in.Amount,
		"currency": in.Currency,
		"status":   string(in.Status),
		"metadata": in.Metadata,
	})
	body, _ := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]json.RawMessage{"object": object},
	})
	return body, gateway.Sign(body, TestWebhookSecret, time.Now())
}

// NewRecord builds an intent record owned by transactionID.
func NewRecord(intentID, transactionID string) *intent.Record {
	now := time.Now()
	return &intent.Record{
		IntentID:      intentID,
		TransactionID: transactionID,
		Gateway:       "mockpay",
		VenueID:       intent.DefaultVenue,
		Amount:        5000,
		Currency:      "cad",
		Status:        intent.StatusRequiresConfirmation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
