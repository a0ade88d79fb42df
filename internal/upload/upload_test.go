package upload

import (
	"context"
	"errors"
	"hash/crc64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

type fakeObjects struct {
	mu   sync.Mutex
	keys []string
	data map[string]string
	err  error
}

func (o *fakeObjects) PutFile(_ context.Context, key, path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if o.data == nil {
		o.data = make(map[string]string)
	}
	o.keys = append(o.keys, key)
	o.data[key] = string(b)
	return nil
}

func (o *fakeObjects) URL(key string) string { return "https://b-1.cos.ap-x.myqcloud.com/" + key }

type fakeRecorder struct {
	mu          sync.Mutex
	collections []string
	fields      []map[string]string
	err         error
}

func (r *fakeRecorder) AddRecord(_ context.Context, collection string, fields map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.collections = append(r.collections, collection)
	r.fields = append(r.fields, fields)
	return "rec-" + strconv.Itoa(len(r.fields)), nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (e *fakeEmitter) Emit(ev protocol.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func writeSnapshot(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("JPEG"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBucketURL(t *testing.T) {
	cfg := StorageConfig{Bucket: "photos-125", Region: "ap-guangzhou"}
	if got := cfg.BucketURL(); got != "https://photos-125.cos.ap-guangzhou.myqcloud.com" {
		t.Fatalf("BucketURL = %s", got)
	}
	cfg.Scheme = "http"
	if got := cfg.BucketURL(); got != "http://photos-125.cos.ap-guangzhou.myqcloud.com" {
		t.Fatalf("BucketURL = %s", got)
	}
	cfg.Endpoint = "http://127.0.0.1:9000/"
	if got := cfg.BucketURL(); got != "http://127.0.0.1:9000" {
		t.Fatalf("BucketURL = %s", got)
	}
}

func TestCOSStorePutFile(t *testing.T) {
	var mu sync.Mutex
	var method, path, auth, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, auth, body = r.Method, r.URL.Path, r.Header.Get("Authorization"), string(b)
		mu.Unlock()
		sum := crc64.Checksum(b, crc64.MakeTable(crc64.ECMA))
		w.Header().Set("x-cos-hash-crc64ecma", strconv.FormatUint(sum, 10))
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := NewCOSStore(StorageConfig{Endpoint: srv.URL, SecretID: "id", SecretKey: "key"})
	if err != nil {
		t.Fatalf("NewCOSStore: %v", err)
	}
	file := writeSnapshot(t, t.TempDir(), "capture_1.jpg")
	if err := store.PutFile(context.Background(), "captures/a.jpg", file); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/captures/a.jpg" || body != "JPEG" {
		t.Fatalf("request = %s %s %q", method, path, body)
	}
	if auth == "" {
		t.Fatal("request not signed")
	}
	if got := store.URL("captures/a.jpg"); got != srv.URL+"/captures/a.jpg" {
		t.Fatalf("URL = %s", got)
	}
}

func newTestUploader(objects *fakeObjects, records *fakeRecorder, ui Emitter) *Uploader {
	u := NewUploader(UploaderConfig{
		Store:      objects,
		Records:    records,
		Collection: "photo",
		Prefix:     "/captures/",
		UI:         ui,
		Logger:     zerolog.Nop(),
	})
	u.now = func() time.Time { return time.Date(2024, 6, 1, 12, 30, 45, 0, time.Local) }
	return u
}

func TestObjectKeyFormat(t *testing.T) {
	u := NewUploader(UploaderConfig{Prefix: "captures", Logger: zerolog.Nop()})
	key := u.ObjectKey(time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC))
	if !regexp.MustCompile(`^captures/20240601_123045_[0-9a-f]{8}\.jpg$`).MatchString(key) {
		t.Fatalf("key = %s", key)
	}

	u = NewUploader(UploaderConfig{Logger: zerolog.Nop()})
	u.newID = func() string { return "0123456789abcdef" }
	if key := u.ObjectKey(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)); key != "20240601_000000_01234567.jpg" {
		t.Fatalf("key = %s", key)
	}
}

func TestUploadRecordsAndRemoves(t *testing.T) {
	objects, records, ui := &fakeObjects{}, &fakeRecorder{}, &fakeEmitter{}
	u := newTestUploader(objects, records, ui)
	file := writeSnapshot(t, t.TempDir(), "capture_1.jpg")

	res, err := u.Upload(context.Background(), file)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if objects.data[res.Key] != "JPEG" {
		t.Fatalf("object %s = %q", res.Key, objects.data[res.Key])
	}
	if records.collections[0] != "photo" {
		t.Fatalf("collection = %s", records.collections[0])
	}
	f := records.fields[0]
	if f["display_url"] != "https://b-1.cos.ap-x.myqcloud.com/"+res.Key || f["upload_time"] != "2024-06-01 12:30:45" {
		t.Fatalf("fields = %v", f)
	}
	if res.RecordID != "rec-1" {
		t.Fatalf("record id = %s", res.RecordID)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Fatal("local snapshot not removed")
	}
	if len(ui.events) != 1 || ui.events[0].Type != protocol.EventCaptureUploaded {
		t.Fatalf("events = %+v", ui.events)
	}
}

func TestUploadFailureKeepsFile(t *testing.T) {
	dir := t.TempDir()

	u := newTestUploader(&fakeObjects{err: errors.New("403 AccessDenied")}, &fakeRecorder{}, nil)
	file := writeSnapshot(t, dir, "a.jpg")
	if _, err := u.Upload(context.Background(), file); err == nil {
		t.Fatal("expected object error")
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatal("snapshot removed after failed upload")
	}

	u = newTestUploader(&fakeObjects{}, &fakeRecorder{err: errors.New("errcode -1")}, nil)
	if _, err := u.Upload(context.Background(), file); err == nil {
		t.Fatal("expected record error")
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatal("snapshot removed after failed record")
	}
}

type recordingUploader struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingUploader) Upload(_ context.Context, path string) (Result, error) {
	r.mu.Lock()
	r.paths = append(r.paths, filepath.Base(path))
	r.mu.Unlock()
	os.Remove(path)
	return Result{}, nil
}

func (r *recordingUploader) uploaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func TestWatcherSweepsAndWatches(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, "left_over.jpg")
	writeSnapshot(t, dir, "notes.txt")

	up := &recordingUploader{}
	w := NewWatcher(dir, up, 20*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	waitUploads := func(n int) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for len(up.uploaded()) < n && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if got := up.uploaded(); len(got) != n {
			t.Fatalf("uploaded = %v, want %d files", got, n)
		}
	}

	waitUploads(1)
	if up.uploaded()[0] != "left_over.jpg" {
		t.Fatalf("sweep uploaded %v", up.uploaded())
	}

	writeSnapshot(t, dir, "capture_2.jpg")
	writeSnapshot(t, dir, "ignored.txt")
	waitUploads(2)
	if up.uploaded()[1] != "capture_2.jpg" {
		t.Fatalf("uploaded = %v", up.uploaded())
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
