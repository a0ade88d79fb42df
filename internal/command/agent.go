package command

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/pkg/agent"
	"github.com/deskbridge/deskbridge/pkg/protocol"
)

const (
	// AgentName is the bus name under which deskd accepts local commands.
	AgentName = "desk-agent"
	// AgentVersion is advertised in the agent registration.
	AgentVersion = "0.1.0"
)

// Commands lists the verbs advertised in the agent registration.
var Commands = []string{"start_camera", "stop_camera", "capture", protocol.ScriptPrefix + "<path>"}

// Bus receives signed commands on deskbridge.commands.desk-agent and
// dispatches them locally.
type Bus struct {
	agent      *agent.Agent
	dispatcher *Dispatcher
	logger     zerolog.Logger
}

// NewBus subscribes a to local commands. Commands must be signed with
// secret when it is non-empty.
func NewBus(a *agent.Agent, secret string, dispatcher *Dispatcher, logger zerolog.Logger) (*Bus, error) {
	b := &Bus{
		agent:      a,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "command-bus").Logger(),
	}
	if err := a.HandleCommands(secret, b.handle); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) handle(cmd protocol.Command) {
	b.logger.Info().
		Str("command", cmd.Command).
		Str("from", cmd.Source).
		Msg("bus command received")
	b.dispatcher.DispatchLocal(context.Background(), cmd.Command, protocol.SourceLocal)
}
