package sessionlog

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a session id has no journal row.
var ErrNotFound = errors.New("sessionlog: session not found")

// Session is one journal row. EndedAt is nil while the session is open.
type Session struct {
	ID           string         `json:"id"`
	CapabilityID string         `json:"capability_id"`
	PluginEntry  string         `json:"plugin_entry"`
	Params       map[string]any `json:"params,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	EndReason    string         `json:"end_reason,omitempty"`
}

// Event is one entry in a session's trail.
type Event struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	At        time.Time      `json:"at"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Event kinds written by the workspace manager.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventSegmentGranted  = "segment-granted"
	EventSegmentSwitched = "segment-switched"
	EventBackpressure    = "backpressure"
	EventHostRestarted   = "host-restarted"
)

// Incident is one host-process event: a crash, a recovered fault, a
// respawn, or supervision giving up.
type Incident struct {
	ID          int64     `json:"id"`
	PluginEntry string    `json:"plugin_entry"`
	At          time.Time `json:"at"`
	Kind        string    `json:"kind"`
	SessionID   string    `json:"session_id,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Incident kinds.
const (
	IncidentCrash   = "crash"
	IncidentFault   = "fault"
	IncidentRestart = "restart"
	IncidentGiveUp  = "give-up"
)

// Totals are a session's lifetime frame counters, persisted at teardown.
type Totals struct {
	SessionID string    `json:"session_id"`
	Frames    uint64    `json:"frames"`
	Bytes     uint64    `json:"bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter controls which sessions to list.
type Filter struct {
	PluginEntry string // optional: only sessions served by this entry
	OpenOnly    bool   // only sessions without an ended_at
	Limit       int    // default 50, max 200
	Offset      int    // pagination offset
}

// ListResult contains the paginated session results.
type ListResult struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}
