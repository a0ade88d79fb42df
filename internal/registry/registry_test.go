package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/internal/natsserver"
	"github.com/deskbridge/deskbridge/pkg/protocol"
)

func newTestRegistry(t *testing.T) (*Registry, *natsserver.Server) {
	t.Helper()
	srv, err := natsserver.New(natsserver.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	r, err := New(srv.Conn(), time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)
	return r, srv
}

func publish(t *testing.T, srv *natsserver.Server, subject string, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	if err := srv.Conn().Publish(subject, data); err != nil {
		t.Fatal(err)
	}
	srv.Conn().Flush()
}

func waitCount(t *testing.T, r *Registry, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Count() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Count() != n {
		t.Fatalf("count = %d, want %d", r.Count(), n)
	}
}

func TestRegistrationAndHeartbeat(t *testing.T) {
	r, srv := newTestRegistry(t)

	publish(t, srv, protocol.SubjectRegistry, protocol.Registration{
		Name: "desk-agent", Version: "0.1.0", Commands: []string{"capture"},
	})
	waitCount(t, r, 1)

	publish(t, srv, protocol.SubjectHeartbeat("desk-agent"), protocol.Heartbeat{
		Name: "desk-agent", Status: "running", EventsProcessed: 4,
	})
	// Heartbeat from an app whose registration was missed.
	publish(t, srv, protocol.SubjectHeartbeat("posture-app"), protocol.Heartbeat{
		Name: "posture-app", Status: "running",
	})
	waitCount(t, r, 2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if agents := r.Agents(); agents[0].EventsProcessed == 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	agents := r.Agents()
	if agents[0].Name != "desk-agent" || agents[1].Name != "posture-app" {
		t.Fatalf("agents not sorted: %+v", agents)
	}
	if agents[0].Status != "running" || agents[0].EventsProcessed != 4 || agents[0].Version != "0.1.0" {
		t.Fatalf("desk-agent = %+v", agents[0])
	}
}

func TestStaleStatus(t *testing.T) {
	r := &Registry{agents: make(map[string]*entry), staleAfter: time.Minute, logger: zerolog.Nop()}
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	r.register(protocol.Registration{Name: "a"})
	r.heartbeat(protocol.Heartbeat{Name: "b", Status: "running"})

	if got := r.Agents(); got[0].Status != "unknown" || got[1].Status != "running" {
		t.Fatalf("statuses = %s, %s", got[0].Status, got[1].Status)
	}

	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	for _, a := range r.Agents() {
		if a.Status != StatusStale {
			t.Fatalf("%s status = %s, want stale", a.Name, a.Status)
		}
	}
}
