package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultSettle = 500 * time.Millisecond

// FileUploader is the part of Uploader the watcher drives.
type FileUploader interface {
	Upload(ctx context.Context, path string) (Result, error)
}

// Watcher uploads every .jpg that appears in a directory.
type Watcher struct {
	dir      string
	uploader FileUploader
	settle   time.Duration
	logger   zerolog.Logger

	uploadMu sync.Mutex
}

// NewWatcher creates a Watcher. Files are handled once no event touched
// them for settle.
func NewWatcher(dir string, uploader FileUploader, settle time.Duration, logger zerolog.Logger) *Watcher {
	if settle <= 0 {
		settle = defaultSettle
	}
	return &Watcher{
		dir:      dir,
		uploader: uploader,
		settle:   settle,
		logger:   logger.With().Str("component", "capture-watcher").Logger(),
	}
}

func isSnapshot(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".jpg")
}

// Sweep uploads snapshots already in the directory.
func (w *Watcher) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSnapshot(entry.Name()) {
			continue
		}
		w.upload(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// Run sweeps leftovers, then watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	if err := w.Sweep(ctx); err != nil {
		w.logger.Error().Err(err).Msg("startup sweep failed")
	}
	w.logger.Info().Str("dir", w.dir).Msg("watching for snapshots")

	var mu sync.Mutex
	pending := make(map[string]struct{})
	var timer *time.Timer

	flush := func() {
		mu.Lock()
		batch := pending
		pending = make(map[string]struct{})
		mu.Unlock()

		for path := range batch {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			w.upload(ctx, path)
		}
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isSnapshot(event.Name) || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			mu.Lock()
			pending[event.Name] = struct{}{}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.settle, flush)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) upload(ctx context.Context, path string) {
	w.uploadMu.Lock()
	defer w.uploadMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	// Errors are logged by the uploader.
	w.uploader.Upload(ctx, path)
}
