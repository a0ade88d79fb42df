package protocol

import (
	"time"

	"github.com/google/uuid"
)

// UI event types emitted by the background loop.
const (
	EventCameraControl   = "camera.set_active"
	EventCommandExecuted = "command.executed"
	EventCaptureUploaded = "capture.uploaded"
	EventStatus          = "status"
)

// Event is the envelope handed from background loops to the UI loop and
// published on deskbridge.ui.<app>.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent creates an Event with a generated ID and current timestamp.
func NewEvent(eventType, source string, payload map[string]any) Event {
	return Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
}

// CameraControlEvent asks the UI to start or stop the camera preview.
func CameraControlEvent(source string, active bool) Event {
	return NewEvent(EventCameraControl, source, map[string]any{"active": active})
}

// StatusEvent reports whether the cloud command loop is running.
func StatusEvent(running bool) Event {
	return NewEvent(EventStatus, string(SourceCloud), map[string]any{"running": running})
}

// CameraActive extracts the requested state from a camera.set_active event.
func (e Event) CameraActive() (active, ok bool) {
	if e.Type != EventCameraControl {
		return false, false
	}
	active, ok = e.Payload["active"].(bool)
	return active, ok
}
