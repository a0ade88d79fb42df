// Package api serves the deskd control API over a Unix socket.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/internal/command"
	"github.com/deskbridge/deskbridge/pkg/protocol"
)

// Agents lists the agents on the desk bus. *registry.Registry satisfies it.
type Agents interface {
	Agents() []protocol.AgentInfo
	Count() int
}

// StateSource exposes the shared command state. *command.State satisfies it.
type StateSource interface {
	Snapshot() protocol.StateResponse
}

// Poller is the cloud command loop. *command.Service satisfies it.
type Poller interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

// Injector dispatches locally injected commands.
type Injector interface {
	DispatchLocal(ctx context.Context, content string, source protocol.Source) command.Outcome
}

// Config holds the collaborators of a Server. Poller is nil when the cloud
// loop is disabled.
type Config struct {
	Socket     string
	Agents     Agents
	State      StateSource
	Poller     Poller
	Injector   Injector
	BusRunning func() bool
	StartedAt  time.Time
	// BaseContext bounds poller loops and injected commands.
	BaseContext context.Context
	Logger      zerolog.Logger
}

// Server serves the control API.
type Server struct {
	cfg        Config
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates an API server.
func New(cfg Config) *Server {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/agents", s.handleAgents)
	mux.HandleFunc("GET /api/v1/state", s.handleState)
	mux.HandleFunc("POST /api/v1/commands", s.handleSendCommand)
	mux.HandleFunc("POST /api/v1/poller/start", s.handlePollerStart)
	mux.HandleFunc("POST /api/v1/poller/stop", s.handlePollerStop)

	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the API mux.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens on the Unix socket and blocks until Shutdown.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Socket), 0o700); err != nil {
		return err
	}
	os.Remove(s.cfg.Socket)

	ln, err := net.Listen("unix", s.cfg.Socket)
	if err != nil {
		return err
	}
	os.Chmod(s.cfg.Socket, 0o600)

	s.logger.Info().Str("socket", s.cfg.Socket).Msg("API server listening")
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := protocol.StatusResponse{
		Status:       "ok",
		Uptime:       time.Since(s.cfg.StartedAt).Truncate(time.Second).String(),
		StartedAt:    s.cfg.StartedAt,
		AgentCount:   s.cfg.Agents.Count(),
		CloudEnabled: s.cfg.Poller != nil,
	}
	if s.cfg.BusRunning != nil {
		resp.NATSRunning = s.cfg.BusRunning()
	}
	if s.cfg.Poller != nil {
		resp.PollerRunning = s.cfg.Poller.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.AgentsResponse{Agents: s.cfg.Agents.Agents()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.State.Snapshot())
}

// handleSendCommand accepts the command and dispatches it in the
// background, since script launches can run for the full command timeout.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	content := strings.TrimSpace(req.Command)
	if content == "" {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}

	action := protocol.ParseAction(content)
	s.logger.Info().Str("command", content).Str("action", action.Kind.String()).Msg("command injected")
	go s.cfg.Injector.DispatchLocal(s.cfg.BaseContext, content, protocol.SourceLocal)

	writeJSON(w, http.StatusAccepted, protocol.SendCommandResponse{Action: action.Kind.String()})
}

func (s *Server) handlePollerStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Poller == nil {
		http.Error(w, "cloud polling not enabled", http.StatusServiceUnavailable)
		return
	}
	s.cfg.Poller.Start(s.cfg.BaseContext)
	writeJSON(w, http.StatusOK, protocol.PollerResponse{Running: s.cfg.Poller.Running()})
}

func (s *Server) handlePollerStop(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Poller == nil {
		http.Error(w, "cloud polling not enabled", http.StatusServiceUnavailable)
		return
	}
	s.cfg.Poller.Stop()
	writeJSON(w, http.StatusOK, protocol.PollerResponse{Running: s.cfg.Poller.Running()})
}
