package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ScriptPrefix marks command content that names a local script to run.
const ScriptPrefix = "python:"

// Source tags where a dispatched command came from.
type Source string

const (
	SourceNone   Source = "none"
	SourceCloud  Source = "cloud"
	SourceSerial Source = "serial"
	SourceLocal  Source = "local"
)

// Command is the envelope published on deskbridge.commands.<agent> by local
// UI processes that want the daemon to run something on their behalf.
type Command struct {
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`
	Signature string         `json:"signature,omitempty"`
}

// Record is one command document fetched from the cloud store. Timestamp is
// the store's ordering key and is never trusted locally.
type Record struct {
	ID        string  `json:"_id"`
	Content   string  `json:"command"`
	Timestamp float64 `json:"timestamp"`
}

type wireRecord struct {
	ID        string          `json:"_id"`
	Content   string          `json:"command"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// DecodeRecord decodes one item of a query response's data array. The store
// returns items either as objects or as JSON-encoded strings holding an object.
func DecodeRecord(raw json.RawMessage) (Record, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}

	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}

	rec := Record{ID: w.ID, Content: w.Content}
	// Store-side dates are not always numeric; anything else is left at zero.
	var ts float64
	if len(w.Timestamp) > 0 && json.Unmarshal(w.Timestamp, &ts) == nil {
		rec.Timestamp = ts
	}
	return rec, nil
}

// ActionKind is the closed set of effects a command can map to.
type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionLaunchScript
	ActionStartCamera
	ActionStopCamera
	ActionCapture
)

func (k ActionKind) String() string {
	switch k {
	case ActionLaunchScript:
		return "launch_script"
	case ActionStartCamera:
		return "start_camera"
	case ActionStopCamera:
		return "stop_camera"
	case ActionCapture:
		return "capture"
	default:
		return "unknown"
	}
}

// Action is a command's content decoded into its effect.
type Action struct {
	Kind       ActionKind
	ScriptPath string // set only for ActionLaunchScript
}

// ParseAction decodes raw command content. Content that matches nothing, or a
// script prefix with an empty path, yields ActionUnknown.
func ParseAction(content string) Action {
	switch content {
	case "start_camera":
		return Action{Kind: ActionStartCamera}
	case "stop_camera":
		return Action{Kind: ActionStopCamera}
	case "capture":
		return Action{Kind: ActionCapture}
	}
	if path, ok := strings.CutPrefix(content, ScriptPrefix); ok {
		path = strings.TrimSpace(path)
		if path != "" {
			return Action{Kind: ActionLaunchScript, ScriptPath: path}
		}
	}
	return Action{Kind: ActionUnknown}
}

func (a Action) String() string {
	if a.Kind == ActionLaunchScript {
		return a.Kind.String() + ":" + a.ScriptPath
	}
	return a.Kind.String()
}
