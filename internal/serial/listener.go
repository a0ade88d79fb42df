// Package serial turns newline-terminated tokens read from a serial port
// into local command dispatches.
package serial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/deskbridge/deskbridge/internal/command"
	"github.com/deskbridge/deskbridge/pkg/protocol"
)

const defaultRetryDelay = 5 * time.Second

// Dispatcher runs locally triggered commands. *command.Dispatcher satisfies it.
type Dispatcher interface {
	DispatchLocal(ctx context.Context, content string, source protocol.Source) command.Outcome
}

// Opener opens a port at the given baud rate.
type Opener func(name string, baud int) (io.ReadCloser, error)

// OpenPort opens a real serial device, 8N1.
func OpenPort(name string, baud int) (io.ReadCloser, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return port, nil
}

// Config configures a Listener.
type Config struct {
	Port       string
	Baud       int
	Triggers   map[string]string // token -> command content
	RetryDelay time.Duration
}

// Listener reads tokens from a serial port and dispatches matching triggers.
type Listener struct {
	port       string
	baud       int
	triggers   map[string]string
	retryDelay time.Duration
	dispatcher Dispatcher
	logger     zerolog.Logger

	// Overridable for testing.
	open Opener
}

// NewListener creates a Listener. Tokens are matched after trimming
// whitespace and without regard to case, since config keys arrive
// lower-cased.
func NewListener(cfg Config, dispatcher Dispatcher, logger zerolog.Logger) *Listener {
	triggers := make(map[string]string, len(cfg.Triggers))
	for token, content := range cfg.Triggers {
		triggers[strings.ToUpper(strings.TrimSpace(token))] = content
	}
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = defaultRetryDelay
	}
	return &Listener{
		port:       cfg.Port,
		baud:       cfg.Baud,
		triggers:   triggers,
		retryDelay: retry,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "serial").Str("port", cfg.Port).Logger(),
		open:       OpenPort,
	}
}

// Run reads until ctx is cancelled, reopening the port after errors.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Error().Err(err).Dur("retry_in", l.retryDelay).Msg("serial port error")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retryDelay):
		}
	}
}

// session reads from one open port until it fails or ctx is cancelled.
func (l *Listener) session(ctx context.Context) error {
	port, err := l.open(l.port, l.baud)
	if err != nil {
		return err
	}
	l.logger.Info().Int("baud", l.baud).Int("triggers", len(l.triggers)).Msg("serial listener started")

	var once sync.Once
	closePort := func() { once.Do(func() { port.Close() }) }
	defer closePort()

	stop := context.AfterFunc(ctx, closePort)
	defer stop()

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		l.handle(ctx, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return io.EOF
}

func (l *Listener) handle(ctx context.Context, line string) {
	token := strings.TrimSpace(line)
	if token == "" {
		return
	}
	content, ok := l.triggers[strings.ToUpper(token)]
	if !ok {
		l.logger.Debug().Str("token", token).Msg("unmapped serial token")
		return
	}
	l.logger.Info().Str("token", token).Str("command", content).Msg("serial trigger")
	l.dispatcher.DispatchLocal(ctx, content, protocol.SourceSerial)
}

// SetOpener replaces the port opener.
func (l *Listener) SetOpener(open Opener) { l.open = open }
