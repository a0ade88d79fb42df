package protocol

import "time"

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Status        string    `json:"status"`
	Uptime        string    `json:"uptime"`
	NATSRunning   bool      `json:"nats_running"`
	StartedAt     time.Time `json:"started_at"`
	AgentCount    int       `json:"agent_count"`
	CloudEnabled  bool      `json:"cloud_enabled"`
	PollerRunning bool      `json:"poller_running"`
}

// AgentInfo is one entry in the GET /api/v1/agents response.
type AgentInfo struct {
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	Status          string    `json:"status"`
	Capabilities    []string  `json:"capabilities"`
	Commands        []string  `json:"commands"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	EventsProcessed int64     `json:"events_processed"`
	Errors          int64     `json:"errors"`
}

// AgentsResponse is returned by GET /api/v1/agents.
type AgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
}

// LastCommandInfo describes the most recently dispatched command.
type LastCommandInfo struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	ExecutedAt time.Time `json:"executed_at"`
	Source     Source    `json:"source"`
}

// StateResponse is returned by GET /api/v1/state.
type StateResponse struct {
	LastCommand      LastCommandInfo `json:"last_command"`
	CameraActive     bool            `json:"camera_active"`
	CaptureRequested bool            `json:"capture_requested"`
}

// SendCommandRequest is the body of POST /api/v1/commands.
type SendCommandRequest struct {
	Command string `json:"command"`
}

// SendCommandResponse reports how an injected command was decoded.
type SendCommandResponse struct {
	Action string `json:"action"`
}

// PollerResponse is returned by POST /api/v1/poller/{start,stop}.
type PollerResponse struct {
	Running bool `json:"running"`
}
