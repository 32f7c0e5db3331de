package hostproto

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a host-pushed notification on the event channel.
type EventType string

const (
	EventHostRegistered     EventType = "host-registered"
	EventSessionRegistered  EventType = "session-registered"
	EventUiStateInvalidated EventType = "ui-state-invalidated"
)

// Event is one envelope on the event channel. Delivery is best-effort:
// events are hints, never authoritative state.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an envelope.
func NewEvent(t EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", t, err)
	}
	return Event{Type: t, Payload: data}, nil
}

// HostRegisteredEvent announces that a host process finished loading its
// plugin and is ready for control traffic.
type HostRegisteredEvent struct {
	Token string `json:"token"`
	PID   int    `json:"pid"`
}

// SessionRegisteredEvent announces a successful session claim.
type SessionRegisteredEvent struct {
	Token     string `json:"token"`
	PID       int    `json:"pid"`
	SessionID string `json:"sessionId"`
}

// UiStateInvalidatedEvent asks the shell to re-query a capability's UI
// state. SessionID scopes the invalidation; the core filters session-scoped
// events to the currently active session before acting on them.
type UiStateInvalidatedEvent struct {
	CapabilityID string `json:"capabilityId"`
	SessionID    string `json:"sessionId,omitempty"`
	ViewID       string `json:"viewId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}
