package command

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/internal/cloudbase"
	"github.com/deskbridge/deskbridge/pkg/protocol"
)

func TestPollReturnsNewest(t *testing.T) {
	store := &fakeStore{records: []protocol.Record{
		{ID: "new", Content: "capture"},
		{ID: "old", Content: "start_camera"},
	}}
	p := NewPoller(store, "commands", zerolog.Nop())

	recs := p.Poll(context.Background())
	if len(recs) != 1 || recs[0].ID != "new" {
		t.Fatalf("Poll = %+v, want only the newest record", recs)
	}
}

func TestPollErrorIsEmpty(t *testing.T) {
	store := &fakeStore{queryErr: errors.New("connection refused")}
	p := NewPoller(store, "commands", zerolog.Nop())

	if recs := p.Poll(context.Background()); len(recs) != 0 {
		t.Fatalf("Poll = %+v, want empty", recs)
	}
}

// With no cached token, the first poll fetches one before querying; a second
// poll within the token's validity reuses it.
func TestPollRefreshesTokenOnceBeforeQuery(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/cgi-bin/token":
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 7200})
		case "/tcb/databasequery":
			if got := r.URL.Query().Get("access_token"); got != "tok-1" {
				t.Errorf("query token = %q, want tok-1", got)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"errcode": 0,
				"data":    []any{`{"_id":"r1","command":"capture"}`},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store, _ := cloudbase.New(cloudbase.Config{
		APIBase: srv.URL,
		EnvID:   "env",
		AppID:   "wx123",
		Secret:  "s3cret",
	}, zerolog.Nop())
	p := NewPoller(store, "commands", zerolog.Nop())

	if recs := p.Poll(context.Background()); len(recs) != 1 || recs[0].ID != "r1" {
		t.Fatalf("first Poll = %+v", recs)
	}
	if recs := p.Poll(context.Background()); len(recs) != 1 {
		t.Fatalf("second Poll = %+v", recs)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"/cgi-bin/token", "/tcb/databasequery", "/tcb/databasequery"}
	if len(calls) != len(want) {
		t.Fatalf("requests = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("requests = %v, want %v", calls, want)
		}
	}
}

type fixedTokens struct{}

func (fixedTokens) Get(context.Context) (string, error) { return "tok", nil }
func (fixedTokens) Invalidate()                         {}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// A server error yields an empty poll and the loop keeps going.
func TestServiceSurvivesServerError(t *testing.T) {
	var queries atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tcb/databasequery" {
			json.NewEncoder(w).Encode(map[string]any{"errcode": 0})
			return
		}
		if queries.Add(1) <= 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"errcode": 0,
			"data":    []any{map[string]any{"_id": "r9", "command": "capture"}},
		})
	}))
	defer srv.Close()

	store := cloudbase.NewClient(srv.URL, "env", fixedTokens{}, nil, zerolog.Nop())
	f := newDispatchFixture()
	f.d.ack = NewAcknowledger(store, "commands", zerolog.Nop())
	svc := NewService(NewPoller(store, "commands", zerolog.Nop()), f.d, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	waitFor(t, 3*time.Second, func() bool { return f.state.LastSeen().ID == "r9" })
	if queries.Load() < 3 {
		t.Fatalf("queries = %d, want at least 3", queries.Load())
	}
	if !svc.Running() {
		t.Fatal("loop stopped after server errors")
	}
	svc.Stop()
}

func TestServiceDispatchesOnceAcrossPolls(t *testing.T) {
	store := &fakeStore{records: []protocol.Record{{ID: "A", Content: "python:/tmp/x.py"}}}
	f := newDispatchFixture()
	f.d.ack = NewAcknowledger(store, "commands", zerolog.Nop())
	svc := NewService(NewPoller(store, "commands", zerolog.Nop()), f.d, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	waitFor(t, 2*time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.queries >= 5
	})
	cancel()

	if got := f.launcher.launched(); len(got) != 1 {
		t.Fatalf("launched %d times, want 1", len(got))
	}
	if got := store.completedIDs(); len(got) != 1 {
		t.Fatalf("acked %d times, want 1", len(got))
	}
}

func TestServiceStopAndRestart(t *testing.T) {
	store := &fakeStore{}
	f := newDispatchFixture()
	svc := NewService(NewPoller(store, "commands", zerolog.Nop()), f.d, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queries := func() int {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.queries
	}

	svc.Start(ctx)
	svc.Start(ctx) // no second loop
	waitFor(t, 2*time.Second, func() bool { return queries() >= 2 })

	svc.Stop()
	if svc.Running() {
		t.Fatal("Running() true after Stop")
	}
	// Wait for the loop to release its slot.
	waitFor(t, 2*time.Second, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return !svc.active
	})
	stopped := queries()
	time.Sleep(30 * time.Millisecond)
	if queries() != stopped {
		t.Fatal("polling continued after Stop")
	}

	svc.Start(ctx)
	waitFor(t, 2*time.Second, func() bool { return queries() > stopped })
	svc.Stop()

	if got := f.ui.ofType(protocol.EventStatus); len(got) < 3 {
		t.Fatalf("status events = %d, want start, stop and restart", len(got))
	} else if running, _ := got[0].Payload["running"].(bool); !running {
		t.Fatalf("first status event = %+v, want running", got[0])
	}
}

func TestServiceRunReturnsOnCancel(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(NewPoller(store, "commands", zerolog.Nop()), newDispatchFixture().d, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.queries == 1
	})
	cancel()
	wg.Wait()
}

type gatedStore struct {
	fakeStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) QueryLatest(ctx context.Context, collection string) ([]protocol.Record, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.fakeStore.QueryLatest(ctx, collection)
}

func TestServiceWaitCoversInFlightPoll(t *testing.T) {
	store := &gatedStore{
		fakeStore: fakeStore{records: []protocol.Record{{ID: "w1", Content: "capture"}}},
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	f := newDispatchFixture()
	f.d.ack = NewAcknowledger(store, "commands", zerolog.Nop())
	svc := NewService(NewPoller(store, "commands", zerolog.Nop()), f.d, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never started")
	}

	svc.Stop()
	cancel()

	waited := make(chan struct{})
	go func() {
		svc.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while a poll was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(store.release)
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the loop exited")
	}
	if got := store.completedIDs(); len(got) != 1 || got[0] != "w1" {
		t.Fatalf("acked = %v, want the in-flight record acknowledged", got)
	}
}
