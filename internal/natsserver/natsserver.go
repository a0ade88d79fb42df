// Package natsserver runs the desk bus: an embedded NATS server that the
// daemon's own agents reach in-process and desktop UIs reach over TCP.
package natsserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const readyTimeout = 10 * time.Second

// ErrNotReady is returned when the embedded server does not accept
// connections in time.
var ErrNotReady = errors.New("nats server not ready")

// Config holds settings for the embedded bus. An empty Host keeps the bus
// in-process only.
type Config struct {
	Host  string
	Port  int
	Token string
}

// Server wraps the embedded NATS server and the daemon's own connection.
type Server struct {
	ns     *server.Server
	nc     *nats.Conn
	cfg    Config
	logger zerolog.Logger
}

// New starts the embedded server and connects to it.
func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	opts := &server.Options{
		DontListen: cfg.Host == "",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("nats server create: %w", err)
	}
	ns.SetLoggerV2(newZerologAdapter(logger), false, false, false)

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, ErrNotReady
	}

	s := &Server{ns: ns, cfg: cfg, logger: logger.With().Str("component", "bus").Logger()}

	nc, err := nats.Connect(ns.ClientURL(), append(s.ClientOptions(), nats.Name("deskd"))...)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	s.nc = nc

	s.logger.Info().
		Str("client_url", ns.ClientURL()).
		Bool("tcp", !opts.DontListen).
		Msg("desk bus started")
	return s, nil
}

// ClientOptions returns the options an in-daemon client needs to connect:
// in-process transport when the bus does not listen, plus the token.
func (s *Server) ClientOptions() []nats.Option {
	var opts []nats.Option
	if s.cfg.Host == "" {
		opts = append(opts, nats.InProcessServer(s.ns))
	}
	if s.cfg.Token != "" {
		opts = append(opts, nats.Token(s.cfg.Token))
	}
	return opts
}

// Conn returns the daemon's own connection.
func (s *Server) Conn() *nats.Conn { return s.nc }

// ClientURL returns the NATS client connection URL.
func (s *Server) ClientURL() string { return s.ns.ClientURL() }

// Running reports whether the server accepts connections.
func (s *Server) Running() bool { return s.ns.Running() }

// Shutdown drains the daemon connection and stops the server.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("shutting down desk bus")
	s.nc.Drain()
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
