package workspace

import "time"

// Event bus topics published by the workspace manager. API consumers
// subscribe to these for live updates.
const (
	TopicFrames       = "frames"
	TopicSessions     = "sessions"
	TopicHosts        = "hosts"
	TopicBackpressure = "backpressure"
	TopicUiState      = "ui-state"
)

// FrameEvent is published on TopicFrames for every frame drained from a
// session's shared-memory segment.
type FrameEvent struct {
	SessionID string    `json:"session_id"`
	FrameID   uint64    `json:"frame_id"`
	Direction string    `json:"direction"`
	Size      int       `json:"size"`
	At        time.Time `json:"at"`
}

// SessionEvent is published on TopicSessions when a session starts or
// ends.
type SessionEvent struct {
	Type         string `json:"type"` // "started" or "ended"
	SessionID    string `json:"session_id"`
	Entry        string `json:"entry"`
	CapabilityID string `json:"capability_id"`
	Reason       string `json:"reason,omitempty"`
}

// HostEvent is published on TopicHosts for host process lifecycle
// transitions.
type HostEvent struct {
	Type  string `json:"type"` // "started", "crashed", "restarted", "plugin-restarted" or "dead"
	Entry string `json:"entry"`
	PID   int    `json:"pid,omitempty"`
	Error string `json:"error,omitempty"`
}

// BackpressureEvent is published on TopicBackpressure when a session's
// advisory level changes.
type BackpressureEvent struct {
	SessionID  string  `json:"session_id"`
	Level      string  `json:"level"`
	UsageRatio float64 `json:"usage_ratio"`
}

// UiStateEvent is published on TopicUiState when a plugin invalidates a
// rendered view for the active session.
type UiStateEvent struct {
	SessionID string `json:"session_id"`
	Entry     string `json:"entry"`
	ViewID    string `json:"view_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
