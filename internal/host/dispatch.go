package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/plugin"
	"github.com/tracewire/tracewire-core/internal/shm"
)

// Dispatch handles one control request and produces exactly one response
// with the same correlation id. Callers invoke it strictly sequentially;
// effects on the session slot and writer are therefore totally ordered.
func (r *Runtime) Dispatch(ctx context.Context, req hostproto.Request) hostproto.Response {
	if err := req.Validate(); err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	switch req.Type {
	case hostproto.TypePing:
		return r.handlePing(req)
	case hostproto.TypeNotify:
		return r.handleNotify(ctx, req)
	case hostproto.TypeGetCapabilities:
		return r.handleGetCapabilities(ctx, req)
	case hostproto.TypeConnect:
		return r.handleConnect(ctx, req)
	case hostproto.TypeDisconnect:
		return r.handleDisconnect(ctx, req)
	case hostproto.TypeGetUiState:
		return r.handleGetUiState(ctx, req)
	case hostproto.TypeApplySharedMemory:
		return r.handleApplySharedMemory(ctx, req)
	case hostproto.TypeSetBackpressure:
		return r.handleSetBackpressure(ctx, req)
	case hostproto.TypeShutdown:
		return hostproto.OKResponse(req.ID, nil)
	default:
		return hostproto.ErrorResponse(req.ID, hostproto.UnknownTypeError(req.Type))
	}
}

// loadedPlugin re-checks load success, as every operation except shutdown
// must. The stored load reason is the answer until a restart clears it.
func (r *Runtime) loadedPlugin() (plugin.Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.plugin == nil {
		if r.loadErr != nil {
			return nil, r.loadErr
		}
		return nil, fmt.Errorf("plugin %q not loaded", r.cfg.Entry)
	}
	return r.plugin, nil
}

// faultResponse runs the restart policy for a plugin runtime fault and
// reports whether the reload recovered, so the caller knows a retry is
// worth attempting.
func (r *Runtime) faultResponse(id string, err error) hostproto.Response {
	recovered := r.TryRestart()
	resp := hostproto.ErrorResponse(id, err.Error())
	resp.Restarted = recovered
	return resp
}

func (r *Runtime) handlePing(req hostproto.Request) hostproto.Response {
	if _, err := r.loadedPlugin(); err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}
	return hostproto.OKResponse(req.ID, nil)
}

func (r *Runtime) handleNotify(ctx context.Context, req hostproto.Request) hostproto.Response {
	p, err := r.loadedPlugin()
	if err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}
	if req.Notification == nil {
		return hostproto.ErrorResponse(req.ID, "notify request carries no notification")
	}
	if !hostproto.KnownNotificationKind(req.Notification.Kind) {
		return hostproto.ErrorResponse(req.ID, fmt.Sprintf("unknown notification kind: %s", req.Notification.Kind))
	}

	notifiable, ok := p.(plugin.Notifiable)
	if !ok {
		// Not subscribing is fine; the notification just has no audience.
		return hostproto.OKResponse(req.ID, nil)
	}
	kind, data := req.Notification.Kind, req.Notification.Data
	if err := r.guard(ctx, func(ctx context.Context) error {
		return notifiable.Notify(ctx, kind, data)
	}); err != nil {
		return r.faultResponse(req.ID, err)
	}
	return hostproto.OKResponse(req.ID, nil)
}

func (r *Runtime) handleGetCapabilities(ctx context.Context, req hostproto.Request) hostproto.Response {
	p, err := r.loadedPlugin()
	if err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	var caps []hostproto.Capability
	if err := r.guard(ctx, func(context.Context) error {
		caps = p.Capabilities()
		return nil
	}); err != nil {
		return r.faultResponse(req.ID, err)
	}
	if caps == nil {
		caps = []hostproto.Capability{}
	}
	return hostproto.OKResponse(req.ID, hostproto.CapabilitiesResult{Capabilities: caps})
}

func (r *Runtime) handleConnect(ctx context.Context, req hostproto.Request) hostproto.Response {
	p, err := r.loadedPlugin()
	if err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	var payload hostproto.ConnectPayload
	if err := hostproto.DecodePayload(req.Payload, &payload); err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}
	if err := payload.Validate(); err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	// Resolve the capability before touching any state; a fault while
	// listing capabilities is a plugin fault, an unknown id is the
	// caller's protocol violation.
	var caps []hostproto.Capability
	if err := r.guard(ctx, func(context.Context) error {
		caps = p.Capabilities()
		return nil
	}); err != nil {
		return r.faultResponse(req.ID, err)
	}
	capability, found := findCapability(caps, payload.CapabilityID)
	if !found {
		return hostproto.ErrorResponse(req.ID, fmt.Sprintf("unknown capability: %s", payload.CapabilityID))
	}
	if err := capability.ValidateParams(payload.Params); err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	r.mu.Lock()
	if r.sessionID == payload.SessionID && r.connected {
		r.mu.Unlock()
		return hostproto.OKResponse(req.ID, hostproto.ConnectResult{
			SessionID:        payload.SessionID,
			AlreadyConnected: true,
		})
	}
	r.mu.Unlock()

	if !r.TryBeginSession(payload.SessionID) {
		return hostproto.ErrorResponse(req.ID, fmt.Sprintf("%v: %s", ErrSessionActive, payload.SessionID))
	}

	echoed := ""
	connectErr := r.guard(ctx, func(ctx context.Context) error {
		var callErr error
		echoed, callErr = p.Connect(ctx, plugin.ConnectRequest{
			SessionID:    payload.SessionID,
			CapabilityID: payload.CapabilityID,
			Params:       payload.Params,
		})
		return callErr
	})
	if connectErr != nil {
		r.EndSession(payload.SessionID)
		return r.faultResponse(req.ID, connectErr)
	}
	if echoed != payload.SessionID {
		// Contract break, not a fault: reject without restart and release
		// the claim so a corrected connect can follow.
		r.EndSession(payload.SessionID)
		return hostproto.ErrorResponse(req.ID,
			fmt.Sprintf("%v: got %q, want %q", ErrSessionEcho, echoed, payload.SessionID))
	}

	r.mu.Lock()
	r.capabilityID = payload.CapabilityID
	r.connected = true
	r.mu.Unlock()

	if payload.Segment != nil {
		if resp, ok := r.applySegment(ctx, req.ID, p, payload.SessionID, *payload.Segment); !ok {
			return resp
		}
	}

	r.publish(hostproto.EventSessionRegistered, hostproto.SessionRegisteredEvent{
		Token:     r.cfg.HostToken,
		PID:       os.Getpid(),
		SessionID: payload.SessionID,
	})
	r.logger.Info("session connected", "session", payload.SessionID, "capability", payload.CapabilityID)
	return hostproto.OKResponse(req.ID, hostproto.ConnectResult{SessionID: payload.SessionID})
}

func (r *Runtime) handleDisconnect(ctx context.Context, req hostproto.Request) hostproto.Response {
	p, err := r.loadedPlugin()
	if err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	var payload hostproto.DisconnectPayload
	if err := hostproto.DecodePayload(req.Payload, &payload); err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}
	if err := payload.Validate(); err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	r.mu.Lock()
	active := r.sessionID
	r.mu.Unlock()
	if active != payload.SessionID {
		return hostproto.ErrorResponse(req.ID, fmt.Sprintf("%v: %s", ErrNoSession, payload.SessionID))
	}

	// The slot is released whatever the plugin does with the call.
	callErr := r.guard(ctx, func(ctx context.Context) error {
		return p.Disconnect(ctx, payload.SessionID)
	})
	r.EndSession(payload.SessionID)
	if callErr != nil {
		return r.faultResponse(req.ID, callErr)
	}
	r.logger.Info("session disconnected", "session", payload.SessionID)
	return hostproto.OKResponse(req.ID, nil)
}

func (r *Runtime) handleGetUiState(ctx context.Context, req hostproto.Request) hostproto.Response {
	p, err := r.loadedPlugin()
	if err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	var payload hostproto.UiStatePayload
	if len(req.Payload) > 0 {
		if err := hostproto.DecodePayload(req.Payload, &payload); err != nil {
			return hostproto.ErrorResponse(req.ID, err.Error())
		}
	}

	stater, ok := p.(plugin.UiStater)
	if !ok {
		return hostproto.ErrorResponse(req.ID, fmt.Sprintf("%v: ui state", ErrNotSupported))
	}
	if payload.SessionID != "" {
		r.mu.Lock()
		active := r.sessionID
		r.mu.Unlock()
		if active != payload.SessionID {
			return hostproto.ErrorResponse(req.ID, fmt.Sprintf("%v: %s", ErrNoSession, payload.SessionID))
		}
	}

	var state json.RawMessage
	if err := r.guard(ctx, func(ctx context.Context) error {
		var callErr error
		state, callErr = stater.UiState(ctx, payload.SessionID, payload.ViewID)
		return callErr
	}); err != nil {
		return r.faultResponse(req.ID, err)
	}
	return hostproto.OKResponse(req.ID, hostproto.UiStateResult{State: state})
}

func (r *Runtime) handleApplySharedMemory(ctx context.Context, req hostproto.Request) hostproto.Response {
	p, err := r.loadedPlugin()
	if err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	var payload hostproto.ApplySegmentPayload
	if err := hostproto.DecodePayload(req.Payload, &payload); err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}
	if err := payload.Validate(); err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	r.mu.Lock()
	active := r.sessionID
	r.mu.Unlock()
	if active != payload.SessionID {
		return hostproto.ErrorResponse(req.ID, fmt.Sprintf("%v: %s", ErrNoSession, payload.SessionID))
	}

	resp, _ := r.applySegment(ctx, req.ID, p, payload.SessionID, payload.Segment)
	return resp
}

// applySegment attaches the granted segment and routes frames to it. The
// first grant builds the switchable writer and hands it to the plugin; a
// later grant only switches targets, which the plugin never observes.
// Returns the response to send and whether the grant succeeded.
func (r *Runtime) applySegment(ctx context.Context, reqID string, p plugin.Plugin, sessionID string, desc shm.Descriptor) (hostproto.Response, bool) {
	consumer, ok := p.(plugin.SharedMemoryConsumer)
	if !ok {
		// Structured negative result: unsupported is an answer, not a fault.
		return hostproto.ErrorResponse(reqID, fmt.Sprintf("%v: shared-memory injection", ErrNotSupported)), false
	}

	segment, err := shm.Attach(desc.Path)
	if err != nil {
		return hostproto.ErrorResponse(reqID, fmt.Sprintf("attach segment: %v", err)), false
	}

	writer := shm.NewWriter(segment, r.cfg.WritePolicy)
	writer.SetLogger(r.logger)

	r.mu.Lock()
	existing := r.writer
	r.mu.Unlock()

	if existing != nil {
		existing.SwitchTo(writer)
		r.mu.Lock()
		oldSegment := r.segment
		r.segment = segment
		r.mu.Unlock()
		if oldSegment != nil {
			if err := oldSegment.Close(); err != nil {
				r.logger.Warn("old segment close failed", "error", err)
			}
		}
		r.logger.Info("segment switched", "session", sessionID, "capacity", desc.Capacity)
		return hostproto.OKResponse(reqID, nil), true
	}

	switchable := shm.NewSwitchableWriter(writer)
	if err := r.guard(ctx, func(ctx context.Context) error {
		return consumer.ApplySharedMemory(ctx, sessionID, switchable)
	}); err != nil {
		segment.Close()
		return r.faultResponse(reqID, err), false
	}

	r.mu.Lock()
	r.writer = switchable
	r.segment = segment
	r.mu.Unlock()
	r.logger.Info("segment applied", "session", sessionID, "capacity", desc.Capacity)
	return hostproto.OKResponse(reqID, nil), true
}

func (r *Runtime) handleSetBackpressure(ctx context.Context, req hostproto.Request) hostproto.Response {
	p, err := r.loadedPlugin()
	if err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	var payload hostproto.SetBackpressurePayload
	if err := hostproto.DecodePayload(req.Payload, &payload); err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}
	if err := payload.Validate(); err != nil {
		return hostproto.ErrorResponse(req.ID, err.Error())
	}

	r.mu.Lock()
	active := r.sessionID
	r.mu.Unlock()
	if active != payload.SessionID {
		return hostproto.ErrorResponse(req.ID, fmt.Sprintf("%v: %s", ErrNoSession, payload.SessionID))
	}

	aware, ok := p.(plugin.BackpressureAware)
	if !ok {
		return hostproto.ErrorResponse(req.ID, fmt.Sprintf("%v: backpressure", ErrNotSupported))
	}
	if err := r.guard(ctx, func(ctx context.Context) error {
		return aware.SetBackpressure(ctx, payload.SessionID, payload.Level)
	}); err != nil {
		return r.faultResponse(req.ID, err)
	}
	return hostproto.OKResponse(req.ID, nil)
}

func findCapability(caps []hostproto.Capability, id string) (hostproto.Capability, bool) {
	for _, c := range caps {
		if c.ID == id {
			return c, true
		}
	}
	return hostproto.Capability{}, false
}
