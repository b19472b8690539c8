package postgres

import (
	"testing"
	"time"

	"github.com/cassiomorais/venuepay/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalEntryFromEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	failed := []events.FailedCompensation{{Kind: "rollback_create_intent", Payload: map[string]string{"intent_id": "pi_1"}}}

	tests := []struct {
		name      string
		event     events.Event
		outcome   string
		reconcile bool
	}{
		{"completed", events.Event{Type: events.TransactionCompleted}, "completed", false},
		{"clean rollback", events.Event{Type: events.TransactionRolledBack, Data: map[string]any{"cause": "boom"}}, "rolled_back", false},
		{"rollback with failures", events.Event{Type: events.TransactionRolledBack, Data: map[string]any{"failed_compensations": failed}}, "rolled_back", true},
		{"abort failed", events.Event{Type: events.TransactionRollbackFailed}, "rollback_failed", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.event.TransactionID = "tx-1"
			tt.event.VenueID = "v1"
			tt.event.OccurredAt = at

			entry, ok := journalEntryFromEvent(tt.event)
			require.True(t, ok)
			assert.Equal(t, "tx-1", entry.TransactionID)
			assert.Equal(t, "v1", entry.VenueID)
			assert.Equal(t, tt.outcome, entry.Outcome)
			assert.Equal(t, at, entry.FinishedAt)
			assert.Equal(t, tt.reconcile, entry.NeedsReconciliation())
		})
	}
}

func TestJournalEntryFromEvent_IgnoresOtherEvents(t *testing.T) {
	for _, typ := range []events.Type{events.PaymentInitiated, events.PaymentFailed, events.BreakerOpened} {
		_, ok := journalEntryFromEvent(events.Event{Type: typ})
		assert.False(t, ok, typ)
	}
}

func TestJournalEntryFromEvent_KeepsCause(t *testing.T) {
	entry, ok := journalEntryFromEvent(events.Event{
		Type: events.TransactionRolledBack,
		Data: map[string]any{"cause": "transaction expired: older than 15m0s"},
	})
	require.True(t, ok)
	assert.Equal(t, "transaction expired: older than 15m0s", entry.Cause)
}
