package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/internal/metrics"
	"github.com/deskbridge/deskbridge/pkg/protocol"
)

const (
	keyTimeLayout    = "20060102_150405"
	recordTimeLayout = "2006-01-02 15:04:05"
)

// Recorder inserts a document into the cloud store.
type Recorder interface {
	AddRecord(ctx context.Context, collection string, fields map[string]string) (string, error)
}

// Emitter hands an event to the UI loop.
type Emitter interface {
	Emit(ev protocol.Event)
}

// Result describes a finished upload.
type Result struct {
	Key        string
	DisplayURL string
	RecordID   string
}

// UploaderConfig holds the collaborators of an Uploader. UI may be nil.
type UploaderConfig struct {
	Store      ObjectStore
	Records    Recorder
	Collection string
	Prefix     string
	UI         Emitter
	Logger     zerolog.Logger
}

// Uploader pushes one snapshot to object storage, records it, and removes
// the local copy.
type Uploader struct {
	store      ObjectStore
	records    Recorder
	collection string
	prefix     string
	ui         Emitter
	logger     zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewUploader creates an Uploader.
func NewUploader(cfg UploaderConfig) *Uploader {
	return &Uploader{
		store:      cfg.Store,
		records:    cfg.Records,
		collection: cfg.Collection,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		ui:         cfg.UI,
		logger:     cfg.Logger.With().Str("component", "uploader").Logger(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// ObjectKey returns <prefix>/<YYYYMMDD_HHMMSS>_<8 hex>.jpg.
func (u *Uploader) ObjectKey(at time.Time) string {
	name := fmt.Sprintf("%s_%s.jpg", at.Format(keyTimeLayout), u.newID()[:8])
	if u.prefix == "" {
		return name
	}
	return u.prefix + "/" + name
}

// Upload handles one file. The local file is removed only after both the
// object and the record were written; on failure it stays for the next
// startup sweep.
func (u *Uploader) Upload(ctx context.Context, path string) (Result, error) {
	at := u.now()
	key := u.ObjectKey(at)
	log := u.logger.With().Str("file", filepath.Base(path)).Str("key", key).Logger()

	if err := u.store.PutFile(ctx, key, path); err != nil {
		metrics.IncUpload(metrics.ResultError)
		log.Error().Err(err).Msg("object upload failed")
		return Result{}, err
	}

	res := Result{Key: key, DisplayURL: u.store.URL(key)}
	id, err := u.records.AddRecord(ctx, u.collection, map[string]string{
		"display_url": res.DisplayURL,
		"upload_time": at.Format(recordTimeLayout),
	})
	if err != nil {
		metrics.IncUpload(metrics.ResultError)
		log.Error().Err(err).Msg("upload record failed")
		return res, fmt.Errorf("record upload: %w", err)
	}
	res.RecordID = id

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("remove uploaded snapshot")
	}

	metrics.IncUpload(metrics.ResultSuccess)
	log.Info().Str("url", res.DisplayURL).Str("record", id).Msg("snapshot uploaded")

	if u.ui != nil {
		u.ui.Emit(protocol.NewEvent(protocol.EventCaptureUploaded, "uploader", map[string]any{
			"display_url": res.DisplayURL,
			"record_id":   id,
		}))
	}
	return res, nil
}
