package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultFrameInterval = 100 * time.Millisecond
	grabTimeout          = 15 * time.Second
	pathPlaceholder      = "{path}"
)

// ErrNoGrabCommand is returned by Capture when no grab command is configured.
var ErrNoGrabCommand = errors.New("no grab command configured")

// FrameState is the part of the shared state the frame loop reads.
type FrameState interface {
	CameraActive() bool
	ConsumeCapture() bool
}

// FrameConfig configures a FrameLoop.
type FrameConfig struct {
	State       FrameState
	Dir         string
	GrabCommand string // argv with a {path} placeholder, e.g. "fswebcam -q --no-banner {path}"
	Interval    time.Duration
	Logger      zerolog.Logger
}

// FrameLoop polls the capture flag while the camera is active and writes
// one snapshot per request into Dir.
type FrameLoop struct {
	state    FrameState
	dir      string
	argv     []string
	interval time.Duration
	logger   zerolog.Logger

	now     func() time.Time
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewFrameLoop creates a FrameLoop.
func NewFrameLoop(cfg FrameConfig) *FrameLoop {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	return &FrameLoop{
		state:    cfg.State,
		dir:      cfg.Dir,
		argv:     strings.Fields(cfg.GrabCommand),
		interval: interval,
		logger:   cfg.Logger.With().Str("component", "frame-loop").Logger(),
		now:      time.Now,
		command:  exec.CommandContext,
	}
}

// Run blocks until ctx is cancelled.
func (f *FrameLoop) Run(ctx context.Context) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}
	f.logger.Info().Str("dir", f.dir).Dur("interval", f.interval).Msg("frame loop started")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *FrameLoop) tick(ctx context.Context) {
	if !f.state.CameraActive() || !f.state.ConsumeCapture() {
		return
	}
	path, err := f.Capture(ctx)
	if err != nil {
		f.logger.Error().Err(err).Msg("capture failed")
		return
	}
	f.logger.Info().Str("path", path).Msg("snapshot saved")
}

// Capture grabs one frame into Dir and returns the file path. The grab
// command writes to a .part file that is renamed into place once complete.
func (f *FrameLoop) Capture(ctx context.Context) (string, error) {
	if len(f.argv) == 0 {
		return "", ErrNoGrabCommand
	}

	final := filepath.Join(f.dir, fmt.Sprintf("capture_%d.jpg", f.now().Unix()))
	part := final + ".part"

	args := make([]string, len(f.argv)-1)
	for i, a := range f.argv[1:] {
		args[i] = strings.ReplaceAll(a, pathPlaceholder, part)
	}

	ctx, cancel := context.WithTimeout(ctx, grabTimeout)
	defer cancel()

	cmd := f.command(ctx, f.argv[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(part)
		return "", fmt.Errorf("grab frame: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if err := os.Rename(part, final); err != nil {
		return "", fmt.Errorf("finalize snapshot: %w", err)
	}
	return final, nil
}
