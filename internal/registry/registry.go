// Package registry tracks the agents and desktop apps on the desk bus from
// their registrations and heartbeats.
package registry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

// DefaultStaleAfter marks an agent stale after three missed heartbeats.
const DefaultStaleAfter = 90 * time.Second

// StatusStale is reported for agents whose heartbeats stopped.
const StatusStale = "stale"

type entry struct {
	reg           protocol.Registration
	registeredAt  time.Time
	lastHeartbeat protocol.Heartbeat
	lastSeen      time.Time
}

// Registry tracks connected agents.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*entry
	staleAfter time.Duration
	logger     zerolog.Logger
	subs       []*nats.Subscription

	now func() time.Time
}

// New creates a Registry and subscribes to registrations and heartbeats.
func New(nc *nats.Conn, staleAfter time.Duration, logger zerolog.Logger) (*Registry, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	r := &Registry{
		agents:     make(map[string]*entry),
		staleAfter: staleAfter,
		logger:     logger.With().Str("component", "registry").Logger(),
		now:        time.Now,
	}

	regSub, err := nc.Subscribe(protocol.SubjectRegistry, r.handleRegistration)
	if err != nil {
		return nil, err
	}
	hbSub, err := nc.Subscribe(protocol.SubjectHeartbeatAll, r.handleHeartbeat)
	if err != nil {
		regSub.Unsubscribe()
		return nil, err
	}
	r.subs = []*nats.Subscription{regSub, hbSub}

	r.logger.Info().Msg("agent registry started")
	return r, nil
}

func (r *Registry) handleRegistration(msg *nats.Msg) {
	var reg protocol.Registration
	if err := json.Unmarshal(msg.Data, &reg); err != nil {
		r.logger.Error().Err(err).Msg("bad registration message")
		return
	}
	r.register(reg)
	r.logger.Info().Str("agent", reg.Name).Str("version", reg.Version).Msg("agent registered")
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.logger.Error().Err(err).Msg("bad heartbeat message")
		return
	}
	r.heartbeat(hb)
}

func (r *Registry) register(reg protocol.Registration) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[reg.Name]; ok {
		e.reg = reg
		e.lastSeen = now
		return
	}
	r.agents[reg.Name] = &entry{reg: reg, registeredAt: now, lastSeen: now}
}

// heartbeat also admits apps that started before the daemon and never saw
// their registration.
func (r *Registry) heartbeat(hb protocol.Heartbeat) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[hb.Name]
	if !ok {
		e = &entry{reg: protocol.Registration{Name: hb.Name}, registeredAt: now}
		r.agents[hb.Name] = e
	}
	e.lastHeartbeat = hb
	e.lastSeen = now
}

// Agents returns a snapshot of all known agents sorted by name.
func (r *Registry) Agents() []protocol.AgentInfo {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]protocol.AgentInfo, 0, len(r.agents))
	for _, e := range r.agents {
		status := e.lastHeartbeat.Status
		switch {
		case now.Sub(e.lastSeen) > r.staleAfter:
			status = StatusStale
		case status == "":
			status = "unknown"
		}
		result = append(result, protocol.AgentInfo{
			Name:            e.reg.Name,
			Version:         e.reg.Version,
			Status:          status,
			Capabilities:    e.reg.Capabilities,
			Commands:        e.reg.Commands,
			RegisteredAt:    e.registeredAt,
			LastHeartbeat:   e.lastSeen,
			EventsProcessed: e.lastHeartbeat.EventsProcessed,
			Errors:          e.lastHeartbeat.Errors,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Count returns the number of known agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Close unsubscribes from the bus.
func (r *Registry) Close() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
}
