package events

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Bus is a bounded, in-process event channel. Publish never blocks;
// events that do not fit are dropped and counted.
type Bus struct {
	ch      chan Event
	dropped atomic.Uint64
	onDrop  func(Event)
	logger  zerolog.Logger
}

// NewBus creates a bus holding at most size undelivered events.
func NewBus(size int, logger zerolog.Logger, onDrop func(Event)) *Bus {
	if size <= 0 {
		size = 1024
	}
	return &Bus{
		ch:     make(chan Event, size),
		onDrop: onDrop,
		logger: logger,
	}
}

// Publish enqueues e or drops it if the bus is full.
func (b *Bus) Publish(e Event) {
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
		b.logger.Warn().Str("event_type", string(e.Type)).Str("event_id", e.ID).Msg("Event channel full, dropping event")
		if b.onDrop != nil {
			b.onDrop(e)
		}
	}
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Len returns the number of events waiting to be relayed.
func (b *Bus) Len() int {
	return len(b.ch)
}
