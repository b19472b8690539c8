package events

import (
	"context"
	"time"

	"github.com/cassiomorais/venuepay/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// Sink consumes relayed events.
type Sink interface {
	Handle(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// Relay drains a Bus into a fixed list of sinks, in publish order.
type Relay struct {
	bus          *Bus
	sinks        []Sink
	logger       zerolog.Logger
	drainTimeout time.Duration
}

// NewRelay creates a relay for the given bus.
func NewRelay(bus *Bus, logger zerolog.Logger, sinks ...Sink) *Relay {
	return &Relay{
		bus:          bus,
		sinks:        sinks,
		logger:       logger,
		drainTimeout: 5 * time.Second,
	}
}

// Run delivers events until ctx is cancelled, then drains what is left.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case e := <-r.bus.Events():
			r.deliver(ctx, e)
		}
	}
}

func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.drainTimeout)
	defer cancel()
	for {
		select {
		case e := <-r.bus.Events():
			r.deliver(ctx, e)
		default:
			return
		}
	}
}

func (r *Relay) deliver(ctx context.Context, e Event) {
	for _, s := range r.sinks {
		if err := s.Handle(ctx, e); err != nil {
			r.logger.Error().Err(err).
				Str("event_type", string(e.Type)).
				Str("event_id", e.ID).
				Msg("Event sink failed")
		}
	}
}

// NewMetricsSink counts relayed events by type.
func NewMetricsSink(m *observability.Metrics) Sink {
	return SinkFunc(func(_ context.Context, e Event) error {
		m.EventsPublished.WithLabelValues(string(e.Type)).Inc()
		return nil
	})
}

// NewLogSink logs every event, escalating alerts and breaker trips.
func NewLogSink(logger zerolog.Logger) Sink {
	return SinkFunc(func(_ context.Context, e Event) error {
		var ev *zerolog.Event
		switch {
		case e.IsAlert():
			ev = observability.Alert(&logger).Str("action", "manual reconciliation may be required")
		case e.Type == BreakerOpened || e.Type == PaymentFailed:
			ev = logger.Warn()
		default:
			ev = logger.Debug()
		}
		ev.Str("event_type", string(e.Type)).
			Str("event_id", e.ID).
			Str("transaction_id", e.TransactionID).
			Str("intent_id", e.IntentID).
			Str("venue_id", e.VenueID).
			Interface("data", e.Data).
			Msg("Event")
		return nil
	})
}
