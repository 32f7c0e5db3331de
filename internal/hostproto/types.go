package hostproto

import (
	"encoding/json"
	"fmt"

	"github.com/tracewire/tracewire-core/internal/shm"
)

// RequestType identifies a control-channel operation. The set is open on
// the wire: unrecognised values are answered with a structured error, never
// a transport failure.
type RequestType string

const (
	TypePing              RequestType = "ping"
	TypeNotify            RequestType = "notify"
	TypeGetCapabilities   RequestType = "get-capabilities"
	TypeConnect           RequestType = "connect"
	TypeDisconnect        RequestType = "disconnect"
	TypeGetUiState        RequestType = "get-ui-state"
	TypeApplySharedMemory RequestType = "apply-shared-memory"
	TypeSetBackpressure   RequestType = "set-backpressure"
	TypeShutdown          RequestType = "shutdown"
)

// UnknownTypeError formats the standing reply for unrecognised request
// types. The wording is part of the contract; callers match on it.
func UnknownTypeError(t RequestType) string {
	return fmt.Sprintf("Unknown request type: %s", t)
}

// Request is one control-channel call. Payload is operation-specific;
// Notification is set only for notify requests.
type Request struct {
	ID           string          `json:"id"`
	Type         RequestType     `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Notification *Notification   `json:"notification,omitempty"`
}

// Validate checks the envelope fields every request must carry.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id", ErrMissingField)
	}
	if r.Type == "" {
		return fmt.Errorf("%w: type", ErrMissingField)
	}
	return nil
}

// Response answers exactly one request, carrying the same correlation id.
// Restarted reports that the plugin was reloaded while handling the request,
// so the caller knows to re-negotiate capabilities.
type Response struct {
	ID        string          `json:"id"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Restarted bool            `json:"restarted,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OKResponse builds a success response, marshalling result into the payload
// when it is non-nil.
func OKResponse(id string, result any) Response {
	resp := Response{ID: id, OK: true}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return Response{ID: id, OK: false, Error: fmt.Sprintf("encode result: %v", err)}
		}
		resp.Payload = data
	}
	return resp
}

// ErrorResponse builds a failure response.
func ErrorResponse(id, msg string) Response {
	return Response{ID: id, OK: false, Error: msg}
}

// Notification is a broadcast the core forwards to plugins that subscribe
// to it. Kinds outside the known set are rejected before reaching plugin
// code.
type Notification struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Global notification kinds plugins may subscribe to.
const (
	NotificationWorkspaceClosing = "workspace-closing"
	NotificationThemeChanged     = "theme-changed"
	NotificationSettingsChanged  = "settings-changed"
)

// KnownNotificationKind reports whether kind is in the global set.
func KnownNotificationKind(kind string) bool {
	switch kind {
	case NotificationWorkspaceClosing, NotificationThemeChanged, NotificationSettingsChanged:
		return true
	}
	return false
}

// BackpressureLevel hints how hard downstream buffers are being squeezed.
// Producers scale their read chunk size on it; it never gates admission.
type BackpressureLevel string

const (
	LevelNone   BackpressureLevel = "none"
	LevelMedium BackpressureLevel = "medium"
	LevelHigh   BackpressureLevel = "high"
)

// ParseBackpressureLevel validates a wire value.
func ParseBackpressureLevel(s string) (BackpressureLevel, error) {
	switch BackpressureLevel(s) {
	case LevelNone, LevelMedium, LevelHigh:
		return BackpressureLevel(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// ConnectPayload asks the host to open a session for one capability.
// Segment is set when the capability requested shared memory up front;
// otherwise a later apply-shared-memory call grants it.
type ConnectPayload struct {
	SessionID    string          `json:"sessionId"`
	CapabilityID string          `json:"capabilityId"`
	Params       map[string]any  `json:"params,omitempty"`
	Segment      *shm.Descriptor `json:"segment,omitempty"`
}

// Validate checks required connect fields.
func (p *ConnectPayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}
	if p.CapabilityID == "" {
		return fmt.Errorf("%w: capabilityId", ErrMissingField)
	}
	if p.Segment != nil && !p.Segment.Valid() {
		return fmt.Errorf("%w: segment descriptor", ErrMissingField)
	}
	return nil
}

// ConnectResult echoes the session id back to the caller. The host verifies
// the plugin echoed the same id before reporting success.
// AlreadyConnected marks an idempotent reconnect that found the session
// fully established, so the caller can tell it from a fresh connect.
type ConnectResult struct {
	SessionID        string `json:"sessionId"`
	AlreadyConnected bool   `json:"alreadyConnected,omitempty"`
}

// DisconnectPayload releases the named session.
type DisconnectPayload struct {
	SessionID string `json:"sessionId"`
}

// Validate checks required disconnect fields.
func (p *DisconnectPayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}
	return nil
}

// UiStatePayload scopes a UI-state query. SessionID is optional; when given
// it must name the active session.
type UiStatePayload struct {
	SessionID string `json:"sessionId,omitempty"`
	ViewID    string `json:"viewId,omitempty"`
}

// UiStateResult carries an opaque snapshot produced by the plugin.
type UiStateResult struct {
	State json.RawMessage `json:"state"`
}

// ApplySegmentPayload grants or replaces the session's shared-memory
// segment.
type ApplySegmentPayload struct {
	SessionID string         `json:"sessionId"`
	Segment   shm.Descriptor `json:"segment"`
}

// Validate checks required apply fields.
func (p *ApplySegmentPayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}
	if !p.Segment.Valid() {
		return fmt.Errorf("%w: segment descriptor", ErrMissingField)
	}
	return nil
}

// SetBackpressurePayload forwards a level change to the active session.
type SetBackpressurePayload struct {
	SessionID string            `json:"sessionId"`
	Level     BackpressureLevel `json:"level"`
}

// Validate checks required backpressure fields.
func (p *SetBackpressurePayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}
	if _, err := ParseBackpressureLevel(string(p.Level)); err != nil {
		return err
	}
	return nil
}

// CapabilitiesResult lists what the loaded plugin declares. Empty is valid:
// a plugin without capabilities simply offers nothing to connect to.
type CapabilitiesResult struct {
	Capabilities []Capability `json:"capabilities"`
}
