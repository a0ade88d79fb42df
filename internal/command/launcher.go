package command

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// ErrTimeout is returned when a launched script outlives its timeout.
var ErrTimeout = errors.New("script timed out")

// Launcher runs a local script and waits for it.
type Launcher interface {
	Launch(scriptPath string) error
}

// ProcessLauncher runs `<interpreter> <script>` in a fixed working directory
// with the parent's stdout and stderr. It waits up to timeout and kills the
// process when the timeout elapses.
type ProcessLauncher struct {
	interpreter string
	dir         string
	timeout     time.Duration
	logger      zerolog.Logger

	// Overridable for testing.
	command func(name string, args ...string) *exec.Cmd
}

// NewProcessLauncher creates a ProcessLauncher.
func NewProcessLauncher(interpreter, dir string, timeout time.Duration, logger zerolog.Logger) *ProcessLauncher {
	return &ProcessLauncher{
		interpreter: interpreter,
		dir:         dir,
		timeout:     timeout,
		logger:      logger.With().Str("component", "launcher").Logger(),
		command:     exec.Command,
	}
}

// Launch starts the script and blocks until it exits or the timeout kills it.
func (l *ProcessLauncher) Launch(scriptPath string) error {
	cmd := l.command(l.interpreter, scriptPath)
	cmd.Dir = l.dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		l.logger.Error().Err(err).Str("script", scriptPath).Msg("script spawn failed")
		return fmt.Errorf("start %s: %w", scriptPath, err)
	}
	l.logger.Info().
		Str("script", scriptPath).
		Int("pid", cmd.Process.Pid).
		Str("dir", l.dir).
		Msg("script started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			l.logger.Warn().Err(err).Str("script", scriptPath).Msg("script exited with error")
			return fmt.Errorf("run %s: %w", scriptPath, err)
		}
		l.logger.Info().Str("script", scriptPath).Msg("script finished")
		return nil
	case <-timer.C:
		if err := cmd.Process.Kill(); err != nil {
			l.logger.Error().Err(err).Str("script", scriptPath).Msg("kill timed-out script")
		}
		<-done
		l.logger.Error().
			Str("script", scriptPath).
			Dur("timeout", l.timeout).
			Msg("script timed out, terminated")
		return ErrTimeout
	}
}
