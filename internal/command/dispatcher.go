package command

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/internal/metrics"
	"github.com/deskbridge/deskbridge/pkg/protocol"
)

// Emitter hands an event to the UI loop without blocking.
type Emitter interface {
	Emit(ev protocol.Event)
}

// Acker marks a remote record as completed.
type Acker interface {
	Acknowledge(ctx context.Context, id string)
}

// Observer is told about each dispatch outcome. *agent.Agent satisfies it.
type Observer interface {
	RecordEvent()
	RecordError()
}

// Outcome describes what one Dispatch call did.
type Outcome struct {
	Duplicate bool
	Action    protocol.Action
	Err       error
	Acked     bool
}

// Dispatcher maps command content to a local effect, records it as last
// seen, and acknowledges cloud records that carry an identifier.
type Dispatcher struct {
	state    *State
	launcher Launcher
	ui       Emitter
	ack      Acker
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

// DispatcherConfig holds the collaborators of a Dispatcher. Ack and Observer
// may be nil.
type DispatcherConfig struct {
	State    *State
	Launcher Launcher
	UI       Emitter
	Ack      Acker
	Observer Observer
	Logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		state:    cfg.State,
		launcher: cfg.Launcher,
		ui:       cfg.UI,
		ack:      cfg.Ack,
		observer: cfg.Observer,
		logger:   cfg.Logger.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
}

// Dispatch handles a record fetched from the cloud. Duplicates of the last
// seen command are skipped without effect or acknowledgement.
func (d *Dispatcher) Dispatch(ctx context.Context, rec protocol.Record) Outcome {
	if d.state.IsDuplicate(rec) {
		d.logger.Debug().Str("id", rec.ID).Str("command", rec.Content).Msg("skipping duplicate command")
		metrics.IncDispatch(string(protocol.SourceCloud), protocol.ParseAction(rec.Content).Kind.String(), metrics.ResultDuplicate)
		return Outcome{Duplicate: true}
	}
	return d.run(ctx, rec, protocol.SourceCloud)
}

// DispatchLocal handles a command triggered on this machine (serial port,
// bus, control API). Local triggers carry no identifier, so they bypass the
// duplicate check and are never acknowledged.
func (d *Dispatcher) DispatchLocal(ctx context.Context, content string, source protocol.Source) Outcome {
	return d.run(ctx, protocol.Record{Content: content}, source)
}

func (d *Dispatcher) run(ctx context.Context, rec protocol.Record, source protocol.Source) Outcome {
	action := protocol.ParseAction(rec.Content)
	log := d.logger.With().
		Str("id", rec.ID).
		Str("source", string(source)).
		Str("action", action.Kind.String()).
		Logger()

	out := Outcome{Action: action}

	switch action.Kind {
	case protocol.ActionStartCamera:
		d.ui.Emit(protocol.CameraControlEvent(string(source), true))
		log.Info().Msg("camera start requested")
	case protocol.ActionStopCamera:
		d.ui.Emit(protocol.CameraControlEvent(string(source), false))
		log.Info().Msg("camera stop requested")
	case protocol.ActionCapture:
		d.state.RequestCapture()
		log.Info().Msg("capture requested")
	case protocol.ActionLaunchScript:
		out.Err = d.launcher.Launch(action.ScriptPath)
	default:
		log.Debug().Str("command", rec.Content).Msg("no local effect")
	}

	d.state.RecordDispatched(rec, source, d.now())

	result := metrics.ResultSuccess
	switch {
	case errors.Is(out.Err, ErrTimeout):
		result = metrics.ResultTimeout
	case out.Err != nil:
		result = metrics.ResultError
	}
	metrics.IncDispatch(string(source), action.Kind.String(), result)
	if d.observer != nil {
		if out.Err != nil {
			d.observer.RecordError()
		} else {
			d.observer.RecordEvent()
		}
	}

	d.ui.Emit(protocol.NewEvent(protocol.EventCommandExecuted, string(source), map[string]any{
		"id":      rec.ID,
		"command": rec.Content,
		"action":  action.Kind.String(),
		"ok":      out.Err == nil,
	}))

	if source == protocol.SourceCloud && rec.ID != "" && d.ack != nil {
		d.ack.Acknowledge(ctx, rec.ID)
		out.Acked = true
	}
	return out
}

// Acknowledger marks cloud records completed. Failures are logged and
// otherwise ignored; a lost acknowledgement shows up as a re-delivery that
// the duplicate check absorbs.
type Acknowledger struct {
	store      Store
	collection string
	logger     zerolog.Logger
}

// NewAcknowledger creates an Acknowledger for collection.
func NewAcknowledger(store Store, collection string, logger zerolog.Logger) *Acknowledger {
	return &Acknowledger{
		store:      store,
		collection: collection,
		logger:     logger.With().Str("component", "acknowledger").Logger(),
	}
}

func (a *Acknowledger) Acknowledge(ctx context.Context, id string) {
	if err := a.store.MarkCompleted(ctx, a.collection, id); err != nil {
		metrics.IncAck(metrics.ResultError)
		a.logger.Error().Err(err).Str("id", id).Msg("acknowledge failed")
		return
	}
	metrics.IncAck(metrics.ResultSuccess)
	a.logger.Debug().Str("id", id).Msg("command acknowledged")
}

func (d *Dispatcher) emitStatus(running bool) {
	d.ui.Emit(protocol.StatusEvent(running))
}
