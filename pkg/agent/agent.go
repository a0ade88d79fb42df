// Package agent is the small SDK every deskbridge background component uses
// to join the desk bus: register, heartbeat, receive local commands, and
// hand events to the UI processes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

const defaultHeartbeatInterval = 30 * time.Second

// Config holds connection options for an agent.
type Config struct {
	NATSUrl           string
	NATSOpts          []nats.Option
	HeartbeatInterval time.Duration
}

// Agent is the base for all deskbridge agents.
type Agent struct {
	Name         string
	Version      string
	Capabilities []string
	Commands     []string

	nc     *nats.Conn
	logger zerolog.Logger
	cancel context.CancelFunc

	eventsProcessed atomic.Int64
	errors          atomic.Int64
	lastEvent       atomic.Value // time.Time
}

// New creates an Agent, connects to NATS, registers, and starts heartbeating.
func New(cfg Config, name, version string, capabilities, commands []string, logger zerolog.Logger) (*Agent, error) {
	agentLogger := logger.With().Str("agent", name).Logger()

	resilienceOpts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				agentLogger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			agentLogger.Info().Msg("NATS reconnected")
		}),
	}

	opts := append(resilienceOpts, cfg.NATSOpts...)
	nc, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	a := &Agent{
		Name:         name,
		Version:      version,
		Capabilities: capabilities,
		Commands:     commands,
		nc:           nc,
		logger:       agentLogger,
	}
	a.lastEvent.Store(time.Time{})

	if err := a.register(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("register: %w", err)
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.heartbeatLoop(ctx, interval)

	return a, nil
}

func (a *Agent) register() error {
	data, err := json.Marshal(protocol.Registration{
		Name:         a.Name,
		Version:      a.Version,
		Capabilities: a.Capabilities,
		Commands:     a.Commands,
	})
	if err != nil {
		return err
	}
	return a.nc.Publish(protocol.SubjectRegistry, data)
}

func (a *Agent) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.sendHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	hb := protocol.Heartbeat{
		Name:            a.Name,
		Status:          "running",
		LastEvent:       a.lastEvent.Load().(time.Time),
		EventsProcessed: a.eventsProcessed.Load(),
		Errors:          a.errors.Load(),
	}
	data, _ := json.Marshal(hb)
	if err := a.nc.Publish(protocol.SubjectHeartbeat(a.Name), data); err != nil {
		a.logger.Error().Err(err).Msg("failed to send heartbeat")
	}
}

// Conn returns the underlying NATS connection for custom subscriptions.
func (a *Agent) Conn() *nats.Conn { return a.nc }

// HandleCommands subscribes to deskbridge.commands.<name>. Commands that fail
// to decode or fail signature verification are counted as errors and dropped.
func (a *Agent) HandleCommands(secret string, fn func(protocol.Command)) error {
	_, err := a.nc.Subscribe(protocol.SubjectCommands(a.Name), func(msg *nats.Msg) {
		var cmd protocol.Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			a.RecordError()
			a.logger.Error().Err(err).Msg("unmarshal command")
			return
		}
		if !protocol.VerifyCommand(&cmd, secret) {
			a.RecordError()
			a.logger.Warn().
				Str("command", cmd.Command).
				Str("source", cmd.Source).
				Msg("rejected command: invalid or missing signature")
			return
		}
		fn(cmd)
	})
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	return nil
}

// PublishUI hands an event to the desktop application app.
func (a *Agent) PublishUI(app string, ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return a.nc.Publish(protocol.SubjectUI(app), data)
}

// RecordEvent increments counters after processing an event.
func (a *Agent) RecordEvent() {
	a.eventsProcessed.Add(1)
	a.lastEvent.Store(time.Now())
}

// RecordError increments the error counter.
func (a *Agent) RecordError() {
	a.errors.Add(1)
}

// Close stops heartbeating and disconnects.
func (a *Agent) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.nc.Drain()
}
