// Package events carries typed notifications from the payment core to
// metrics, alerting and downstream consumers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies an event.
type Type string

const (
	PaymentInitiated          Type = "PAYMENT_INITIATED"
	PaymentCompleted          Type = "PAYMENT_COMPLETED"
	PaymentFailed             Type = "PAYMENT_FAILED"
	TransactionCompleted      Type = "TRANSACTION_COMPLETED"
	TransactionRolledBack     Type = "TRANSACTION_ROLLED_BACK"
	TransactionRollbackFailed Type = "TRANSACTION_ROLLBACK_FAILED"
	BreakerOpened             Type = "BREAKER_OPENED"
	BreakerClosed             Type = "BREAKER_CLOSED"
	BreakerHalfOpenProbe      Type = "BREAKER_HALF_OPEN_PROBE"
)

// Event is a single notification. Data holds type-specific fields.
type Event struct {
	ID            string
	Type          Type
	OccurredAt    time.Time
	TransactionID string
	IntentID      string
	VenueID       string
	Data          map[string]any
}

// New builds an event with a fresh id and timestamp.
func New(t Type, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now(),
		Data:       data,
	}
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// IsAlert reports whether the event needs operator attention.
func (e Event) IsAlert() bool {
	if e.Type == TransactionRollbackFailed {
		return true
	}
	if e.Type == TransactionRolledBack {
		return len(e.FailedCompensations()) > 0
	}
	return false
}

// FailedCompensations returns the failed compensations carried in the event
// payload. Events decoded from JSON carry them as generic maps.
func (e Event) FailedCompensations() []FailedCompensation {
	switch v := e.Data["failed_compensations"].(type) {
	case []FailedCompensation:
		return v
	case []any:
		out := make([]FailedCompensation, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			fc := FailedCompensation{}
			fc.Kind, _ = m["kind"].(string)
			if payload, ok := m["payload"].(map[string]any); ok {
				fc.Payload = make(map[string]string, len(payload))
				for k, v := range payload {
					if str, ok := v.(string); ok {
						fc.Payload[k] = str
					}
				}
			}
			fc.Error, _ = m["error"].(string)
			out = append(out, fc)
		}
		return out
	}
	return nil
}

// FailedCompensation describes a compensating action that did not succeed
// during rollback. It is carried on rollback events so the reconciler can retry it.
type FailedCompensation struct {
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload"`
	Error   string            `json:"error"`
}

// Delivery is an event read back from a durable stream. ID is the
// stream-assigned message id used for acknowledgement.
type Delivery struct {
	ID    string
	Event Event
}
