package plugin

import (
	"context"
	"encoding/json"

	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/shm"
)

// Plugin is the mandatory surface every tool plugin implements. All calls
// arrive sequentially from the host's control loop; a plugin never sees two
// concurrent control calls.
type Plugin interface {
	// Capabilities lists what the plugin offers. An empty list is valid.
	Capabilities() []hostproto.Capability

	// Connect opens the session described by req and must return req's
	// session id unchanged; the host treats any other echo as a protocol
	// violation. The context carries the host's call timeout.
	Connect(ctx context.Context, req ConnectRequest) (string, error)

	// Disconnect closes the named session. The host releases the session
	// slot whether or not this returns an error.
	Disconnect(ctx context.Context, sessionID string) error
}

// ConnectRequest carries the parameters of one session claim. Params have
// already been validated against the capability's declared schema.
type ConnectRequest struct {
	SessionID    string
	CapabilityID string
	Params       map[string]any
}

// Notifiable receives global workspace notifications. Plugins that do not
// implement it are simply skipped by notify requests.
type Notifiable interface {
	Notify(ctx context.Context, kind string, data json.RawMessage) error
}

// UiStater serves opaque UI-state snapshots for the shell. ViewID narrows
// the query when the plugin exposes more than one view.
type UiStater interface {
	UiState(ctx context.Context, sessionID, viewID string) (json.RawMessage, error)
}

// SharedMemoryConsumer accepts the switchable frame writer for a session.
// The host keeps ownership of the underlying segment; the plugin only ever
// holds the switchable handle, so a segment swap is invisible to it.
type SharedMemoryConsumer interface {
	ApplySharedMemory(ctx context.Context, sessionID string, w *shm.SwitchableWriter) error
}

// BackpressureAware reacts to downstream pressure hints by scaling its
// producer-side read buffers. The level is advisory; ignoring it costs
// memory churn, not correctness.
type BackpressureAware interface {
	SetBackpressure(ctx context.Context, sessionID string, level hostproto.BackpressureLevel) error
}

// UiStateNotifier lets a plugin ask the shell to re-query its UI state.
// The host injects the invalidator at load time; plugins may call it from
// any goroutine.
type UiStateNotifier interface {
	SetUiStateInvalidator(invalidate func(capabilityID, viewID, reason string))
}
