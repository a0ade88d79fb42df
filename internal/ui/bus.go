// Package ui hands events from the background loops to the UI loop. The
// background side never blocks; the UI side drains on its own tick.
package ui

import (
	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/internal/metrics"
	"github.com/deskbridge/deskbridge/pkg/protocol"
)

const defaultBufferSize = 64

// Bus is a buffered, non-blocking event queue.
type Bus struct {
	ch     chan protocol.Event
	logger zerolog.Logger
}

// NewBus creates a Bus holding up to size pending events.
func NewBus(size int, logger zerolog.Logger) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{
		ch:     make(chan protocol.Event, size),
		logger: logger.With().Str("component", "ui-bus").Logger(),
	}
}

// Emit queues ev. When the queue is full the event is dropped with a warning.
func (b *Bus) Emit(ev protocol.Event) {
	select {
	case b.ch <- ev:
	default:
		metrics.IncUIDropped()
		b.logger.Warn().Str("type", ev.Type).Str("id", ev.ID).Msg("UI queue full, event dropped")
	}
}

// Events returns the receive side of the queue.
func (b *Bus) Events() <-chan protocol.Event { return b.ch }

// Len reports the number of pending events.
func (b *Bus) Len() int { return len(b.ch) }
