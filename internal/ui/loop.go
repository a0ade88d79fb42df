package ui

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

const defaultTick = 30 * time.Millisecond

// Handler applies one event inside the UI loop.
type Handler func(protocol.Event)

// Publisher forwards events to out-of-process UIs. *agent.Agent satisfies it.
type Publisher interface {
	PublishUI(app string, ev protocol.Event) error
}

// LoopConfig configures a Loop. Publisher may be nil.
type LoopConfig struct {
	Bus       *Bus
	Handlers  []Handler
	Publisher Publisher
	App       string
	Tick      time.Duration
	Logger    zerolog.Logger
}

// Loop drains the Bus on every tick and applies each pending event.
type Loop struct {
	bus       *Bus
	handlers  []Handler
	publisher Publisher
	app       string
	tick      time.Duration
	logger    zerolog.Logger
}

// NewLoop creates a Loop.
func NewLoop(cfg LoopConfig) *Loop {
	tick := cfg.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	return &Loop{
		bus:       cfg.Bus,
		handlers:  cfg.Handlers,
		publisher: cfg.Publisher,
		app:       cfg.App,
		tick:      tick,
		logger:    cfg.Logger.With().Str("component", "ui-loop").Logger(),
	}
}

// Run blocks until ctx is cancelled. Events still queued at that point are
// applied before returning.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Drain()
			return nil
		case <-ticker.C:
			l.Drain()
		}
	}
}

// Drain applies every event currently queued and returns how many it saw.
func (l *Loop) Drain() int {
	n := 0
	for {
		select {
		case ev := <-l.bus.Events():
			l.apply(ev)
			n++
		default:
			return n
		}
	}
}

func (l *Loop) apply(ev protocol.Event) {
	for _, h := range l.handlers {
		h(ev)
	}
	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishUI(l.app, ev); err != nil {
		l.logger.Error().Err(err).Str("type", ev.Type).Msg("forward UI event")
	}
}
