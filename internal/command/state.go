package command

import (
	"sync"
	"time"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

// LastCommand is the most recently dispatched command.
type LastCommand struct {
	ID         string
	Content    string
	ExecutedAt time.Time
	Source     protocol.Source
}

// State is the process-wide mutable state shared by the command loop, the
// UI loop and the frame loop. Every field is guarded by mu, and mu is never
// held across I/O. State is never persisted: after a restart the first
// command is never a duplicate.
//
// The duplicate key tracks cloud records only. Local triggers update the
// last-seen command shown to operators but leave the key alone.
type State struct {
	mu               sync.Mutex
	seen             bool
	cloudID          string
	cloudContent     string
	last             LastCommand
	cameraActive     bool
	captureRequested bool
}

// NewState returns an empty State.
func NewState() *State {
	return &State{last: LastCommand{Source: protocol.SourceNone}}
}

// IsDuplicate reports whether rec carries the same id and content as the
// last dispatched cloud record. The remote timestamp is ignored.
func (s *State) IsDuplicate(rec protocol.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen && rec.ID == s.cloudID && rec.Content == s.cloudContent
}

// RecordDispatched overwrites the last-seen command. Only cloud records
// move the duplicate key.
func (s *State) RecordDispatched(rec protocol.Record, source protocol.Source, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if source == protocol.SourceCloud {
		s.seen = true
		s.cloudID = rec.ID
		s.cloudContent = rec.Content
	}
	s.last = LastCommand{
		ID:         rec.ID,
		Content:    rec.Content,
		ExecutedAt: at,
		Source:     source,
	}
}

// LastSeen returns a copy of the last dispatched command.
func (s *State) LastSeen() LastCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *State) SetCameraActive(active bool) {
	s.mu.Lock()
	s.cameraActive = active
	s.mu.Unlock()
}

func (s *State) CameraActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraActive
}

// RequestCapture raises the capture flag for the frame loop.
func (s *State) RequestCapture() {
	s.mu.Lock()
	s.captureRequested = true
	s.mu.Unlock()
}

// ConsumeCapture clears the capture flag and reports whether it was set.
// Each RequestCapture is consumed at most once.
func (s *State) ConsumeCapture() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	requested := s.captureRequested
	s.captureRequested = false
	return requested
}

func (s *State) CaptureRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureRequested
}

// Snapshot returns the API view of the state.
func (s *State) Snapshot() protocol.StateResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.StateResponse{
		LastCommand: protocol.LastCommandInfo{
			ID:         s.last.ID,
			Content:    s.last.Content,
			ExecutedAt: s.last.ExecutedAt,
			Source:     s.last.Source,
		},
		CameraActive:     s.cameraActive,
		CaptureRequested: s.captureRequested,
	}
}
