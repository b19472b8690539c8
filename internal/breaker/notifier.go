package breaker

import (
	"context"
	"errors"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/events"
)

type eventNotifier struct {
	publisher events.Publisher
}

// NewEventNotifier publishes transitions to the event channel as
// BREAKER_OPENED, BREAKER_HALF_OPEN_PROBE and BREAKER_CLOSED.
func NewEventNotifier(p events.Publisher) Notifier {
	return &eventNotifier{publisher: p}
}

func (n *eventNotifier) BreakerTransition(_ context.Context, t Transition) {
	var typ events.Type
	switch t.To {
	case StateOpen:
		typ = events.BreakerOpened
	case StateHalfOpen:
		typ = events.BreakerHalfOpenProbe
	case StateClosed:
		typ = events.BreakerClosed
	default:
		return
	}

	e := events.New(typ, map[string]any{
		"service":              t.Service,
		"from":                 t.From.String(),
		"to":                   t.To.String(),
		"consecutive_failures": t.ConsecutiveFailures,
		"half_open_attempts":   t.HalfOpenAttempts,
		"venue_connections":    t.Load.Connections,
		"venue_message_rate":   t.Load.MessageRate,
	})
	e.VenueID = t.Venue
	e.OccurredAt = t.At
	n.publisher.Publish(e)
}

func isOpen(err error) bool {
	return errors.Is(err, domainErrors.ErrCircuitOpen)
}
