package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cassiomorais/venuepay/internal/infrastructure/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishIsNonBlockingAndCountsDrops(t *testing.T) {
	var dropped []Type
	bus := NewBus(2, zerolog.Nop(), func(e Event) { dropped = append(dropped, e.Type) })

	bus.Publish(New(PaymentInitiated, nil))
	bus.Publish(New(PaymentCompleted, nil))
	bus.Publish(New(PaymentFailed, nil))

	assert.Equal(t, 2, bus.Len())
	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Equal(t, []Type{PaymentFailed}, dropped)

	first := <-bus.Events()
	assert.Equal(t, PaymentInitiated, first.Type)
}

func TestNew_SetsIDAndTimestamp(t *testing.T) {
	e := New(TransactionCompleted, map[string]any{"k": "v"})

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.OccurredAt.IsZero())
	assert.Equal(t, "v", e.Data["k"])
}

func TestEvent_IsAlert(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		alert bool
	}{
		{"rollback failed", New(TransactionRollbackFailed, nil), true},
		{"rolled back cleanly", New(TransactionRolledBack, map[string]any{}), false},
		{
			"rolled back with failed compensation",
			New(TransactionRolledBack, map[string]any{
				"failed_compensations": []FailedCompensation{{Kind: "rollback_create_intent", Payload: map[string]string{"intent_id": "pi_1"}}},
			}),
			true,
		},
		{"payment completed", New(PaymentCompleted, nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.alert, tt.event.IsAlert())
		})
	}
}

func TestEvent_FailedCompensationsFromDecodedPayload(t *testing.T) {
	e := New(TransactionRolledBack, map[string]any{
		"failed_compensations": []any{
			map[string]any{
				"kind":    "rollback_create_intent",
				"payload": map[string]any{"intent_id": "pi_9", "venue_id": "v1"},
				"error":   "gateway unavailable",
			},
			"garbage",
		},
	})

	failed := e.FailedCompensations()
	require.Len(t, failed, 1)
	assert.Equal(t, "rollback_create_intent", failed[0].Kind)
	assert.Equal(t, "pi_9", failed[0].Payload["intent_id"])
	assert.Equal(t, "gateway unavailable", failed[0].Error)
	assert.True(t, e.IsAlert())

	assert.Nil(t, New(TransactionRolledBack, nil).FailedCompensations())
}

func TestRelay_DeliversInOrderAndSurvivesSinkErrors(t *testing.T) {
	bus := NewBus(10, zerolog.Nop(), nil)
	metrics := observability.NewTestMetrics()

	var mu sync.Mutex
	var seen []Type
	recorder := SinkFunc(func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
		return nil
	})
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("stream unavailable") })

	relay := NewRelay(bus, zerolog.Nop(), failing, recorder, NewMetricsSink(metrics), NewLogSink(zerolog.Nop()))

	bus.Publish(New(PaymentInitiated, nil))
	bus.Publish(New(TransactionCompleted, nil))
	bus.Publish(New(PaymentCompleted, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []Type{PaymentInitiated, TransactionCompleted, PaymentCompleted}, seen)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EventsPublished.WithLabelValues(string(PaymentCompleted))))
}

func TestRelay_DrainsOnShutdown(t *testing.T) {
	bus := NewBus(10, zerolog.Nop(), nil)
	var count int
	relay := NewRelay(bus, zerolog.Nop(), SinkFunc(func(context.Context, Event) error {
		count++
		return nil
	}))

	bus.Publish(New(BreakerOpened, nil))
	bus.Publish(New(BreakerClosed, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, relay.Run(ctx))

	assert.Equal(t, 0, bus.Len())
	assert.Equal(t, 2, count)
}
