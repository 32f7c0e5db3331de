package host

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/shm"
)

func ping(id string) hostproto.Request {
	return hostproto.Request{ID: id, Type: hostproto.TypePing}
}

func TestDispatch_UnknownType(t *testing.T) {
	rt := newTestRuntime(&fakePlugin{})

	resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "r1", Type: "frobnicate"})
	if resp.OK {
		t.Error("OK = true for unknown type, want false")
	}
	if want := "Unknown request type: frobnicate"; resp.Error != want {
		t.Errorf("Error = %q, want %q", resp.Error, want)
	}
	if resp.ID != "r1" {
		t.Errorf("ID = %q, want %q", resp.ID, "r1")
	}
}

func TestDispatch_Ping(t *testing.T) {
	t.Run("loaded plugin acks", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{})
		resp := rt.Dispatch(context.Background(), ping("p1"))
		if !resp.OK {
			t.Errorf("OK = false, error = %q", resp.Error)
		}
	})

	t.Run("load failure surfaces on every call", func(t *testing.T) {
		stage(nil, errors.New("entry point missing"))
		rt := NewRuntime(Config{Entry: "host-test"})
		rt.Load()

		for _, id := range []string{"p1", "p2"} {
			resp := rt.Dispatch(context.Background(), ping(id))
			if resp.OK {
				t.Errorf("OK = true for %s after load failure", id)
			}
			if !strings.Contains(resp.Error, "entry point missing") {
				t.Errorf("Error = %q, want stored load reason", resp.Error)
			}
		}
	})
}

func TestDispatch_PingAfterFault(t *testing.T) {
	t.Run("recovered restart answers ping", func(t *testing.T) {
		fake := &fakePlugin{notifyPanics: true}
		rt := newTestRuntime(fake)

		resp := rt.Dispatch(context.Background(), hostproto.Request{
			ID:           "n1",
			Type:         hostproto.TypeNotify,
			Notification: &hostproto.Notification{Kind: hostproto.NotificationThemeChanged},
		})
		if resp.OK {
			t.Fatal("OK = true for panicking notify, want false")
		}
		if !resp.Restarted {
			t.Error("Restarted = false, want true when the reload recovered")
		}

		if resp := rt.Dispatch(context.Background(), ping("p1")); !resp.OK {
			t.Errorf("Ping after recovered fault failed: %q", resp.Error)
		}
	})

	t.Run("failed restart reports new load error", func(t *testing.T) {
		fake := &fakePlugin{notifyPanics: true}
		rt := newTestRuntime(fake)
		stage(nil, errors.New("module deleted meanwhile"))

		resp := rt.Dispatch(context.Background(), hostproto.Request{
			ID:           "n1",
			Type:         hostproto.TypeNotify,
			Notification: &hostproto.Notification{Kind: hostproto.NotificationThemeChanged},
		})
		if resp.Restarted {
			t.Error("Restarted = true, want false when the reload failed")
		}

		resp = rt.Dispatch(context.Background(), ping("p1"))
		if resp.OK {
			t.Error("Ping OK = true after failed restart, want load error")
		}
		if !strings.Contains(resp.Error, "module deleted meanwhile") {
			t.Errorf("Ping error = %q, want the new load reason", resp.Error)
		}
	})
}

func TestDispatch_GetCapabilities(t *testing.T) {
	t.Run("returns declared list", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{})
		resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "c1", Type: hostproto.TypeGetCapabilities})
		if !resp.OK {
			t.Fatalf("OK = false, error = %q", resp.Error)
		}
		var result hostproto.CapabilitiesResult
		if err := hostproto.DecodePayload(resp.Payload, &result); err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if len(result.Capabilities) != 1 || result.Capabilities[0].ID != "serial" {
			t.Errorf("capabilities = %+v, want the serial capability", result.Capabilities)
		}
	})

	t.Run("empty declaration is valid", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{caps: []hostproto.Capability{}})
		resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "c1", Type: hostproto.TypeGetCapabilities})
		if !resp.OK {
			t.Fatalf("OK = false, error = %q", resp.Error)
		}
		var result hostproto.CapabilitiesResult
		if err := hostproto.DecodePayload(resp.Payload, &result); err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if result.Capabilities == nil || len(result.Capabilities) != 0 {
			t.Errorf("capabilities = %v, want present empty list", result.Capabilities)
		}
	})
}

func TestDispatch_Connect(t *testing.T) {
	t.Run("happy path echoes session id", func(t *testing.T) {
		fake := &fakePlugin{}
		rt := newTestRuntime(fake)

		resp := rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))
		if !resp.OK {
			t.Fatalf("OK = false, error = %q", resp.Error)
		}
		var result hostproto.ConnectResult
		if err := hostproto.DecodePayload(resp.Payload, &result); err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if result.SessionID != "sess-A" {
			t.Errorf("SessionID = %q, want %q", result.SessionID, "sess-A")
		}
		if result.AlreadyConnected {
			t.Error("AlreadyConnected = true on first connect")
		}
	})

	t.Run("idempotent reconnect reports established session", func(t *testing.T) {
		fake := &fakePlugin{}
		rt := newTestRuntime(fake)

		rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))
		resp := rt.Dispatch(context.Background(), connectReq("r2", "sess-A"))
		if !resp.OK {
			t.Fatalf("OK = false on reconnect, error = %q", resp.Error)
		}
		var result hostproto.ConnectResult
		if err := hostproto.DecodePayload(resp.Payload, &result); err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if !result.AlreadyConnected {
			t.Error("AlreadyConnected = false, want true for established session")
		}
		if got := fake.connectCount(); got != 1 {
			t.Errorf("plugin Connect called %d times, want 1", got)
		}
	})

	t.Run("second session rejected without restart", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{})
		rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))

		resp := rt.Dispatch(context.Background(), connectReq("r2", "sess-B"))
		if resp.OK {
			t.Error("OK = true for second session, want rejection")
		}
		if resp.Restarted {
			t.Error("Restarted = true for session rejection, want false")
		}
	})

	t.Run("missing fields are protocol violations", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{})
		payload, _ := json.Marshal(hostproto.ConnectPayload{CapabilityID: "serial"})

		resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "r1", Type: hostproto.TypeConnect, Payload: payload})
		if resp.OK || resp.Restarted {
			t.Errorf("(OK, Restarted) = (%v, %v), want (false, false)", resp.OK, resp.Restarted)
		}
	})

	t.Run("unknown capability rejected", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{})
		payload, _ := json.Marshal(hostproto.ConnectPayload{SessionID: "s", CapabilityID: "modem"})

		resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "r1", Type: hostproto.TypeConnect, Payload: payload})
		if resp.OK {
			t.Error("OK = true for unknown capability")
		}
		if !strings.Contains(resp.Error, "unknown capability") {
			t.Errorf("Error = %q, want unknown capability message", resp.Error)
		}
	})

	t.Run("schema violation rejected before plugin runs", func(t *testing.T) {
		fake := &fakePlugin{}
		rt := newTestRuntime(fake)
		payload, _ := json.Marshal(hostproto.ConnectPayload{
			SessionID:    "s",
			CapabilityID: "serial",
			Params:       map[string]any{"baud": 9600}, // port missing
		})

		resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "r1", Type: hostproto.TypeConnect, Payload: payload})
		if resp.OK {
			t.Error("OK = true for schema violation")
		}
		if got := fake.connectCount(); got != 0 {
			t.Errorf("plugin Connect called %d times for invalid params, want 0", got)
		}
	})

	t.Run("wrong echo rejected without restart and slot released", func(t *testing.T) {
		fake := &fakePlugin{connectEcho: "sess-OTHER"}
		rt := newTestRuntime(fake)

		resp := rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))
		if resp.OK {
			t.Error("OK = true for wrong session echo")
		}
		if resp.Restarted {
			t.Error("Restarted = true for protocol violation, want false")
		}
		if !rt.TryBeginSession("sess-B") {
			t.Error("session slot still held after rejected echo")
		}
	})

	t.Run("connect fault restarts and releases slot", func(t *testing.T) {
		fake := &fakePlugin{connectPanics: true}
		rt := newTestRuntime(fake)
		stage(&fakePlugin{}, nil) // restart loads a healthy instance

		resp := rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))
		if resp.OK {
			t.Error("OK = true for panicking connect")
		}
		if !resp.Restarted {
			t.Error("Restarted = false, want true after recovered reload")
		}
		if resp := rt.Dispatch(context.Background(), connectReq("r2", "sess-B")); !resp.OK {
			t.Errorf("connect after restart failed: %q", resp.Error)
		}
	})

	t.Run("hung connect is a fault", func(t *testing.T) {
		fake := &fakePlugin{connectDelay: 2 * time.Second}
		rt := newTestRuntime(fake)
		stage(&fakePlugin{}, nil)

		resp := rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))
		if resp.OK {
			t.Error("OK = true for hung connect")
		}
		if !strings.Contains(resp.Error, "timed out") {
			t.Errorf("Error = %q, want timeout", resp.Error)
		}
	})
}

func TestDispatch_Disconnect(t *testing.T) {
	t.Run("releases active session", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{})
		rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))

		payload, _ := json.Marshal(hostproto.DisconnectPayload{SessionID: "sess-A"})
		resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "r2", Type: hostproto.TypeDisconnect, Payload: payload})
		if !resp.OK {
			t.Fatalf("OK = false, error = %q", resp.Error)
		}
		if !rt.TryBeginSession("sess-B") {
			t.Error("slot still held after disconnect")
		}
	})

	t.Run("inactive session rejected", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{})
		payload, _ := json.Marshal(hostproto.DisconnectPayload{SessionID: "ghost"})

		resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "r1", Type: hostproto.TypeDisconnect, Payload: payload})
		if resp.OK {
			t.Error("OK = true for inactive session")
		}
	})

	t.Run("plugin failure still releases slot", func(t *testing.T) {
		fake := &fakePlugin{disconnectErr: errors.New("port wedged")}
		rt := newTestRuntime(fake)
		rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))
		stage(&fakePlugin{}, nil)

		payload, _ := json.Marshal(hostproto.DisconnectPayload{SessionID: "sess-A"})
		resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "r2", Type: hostproto.TypeDisconnect, Payload: payload})
		if resp.OK {
			t.Error("OK = true for failing disconnect")
		}
		if !rt.TryBeginSession("sess-B") {
			t.Error("slot still held after failed disconnect")
		}
	})
}

func TestDispatch_GetUiState(t *testing.T) {
	t.Run("returns snapshot", func(t *testing.T) {
		fake := &fakePlugin{uiState: json.RawMessage(`{"lines":42}`)}
		rt := newTestRuntime(fake)

		resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "u1", Type: hostproto.TypeGetUiState})
		if !resp.OK {
			t.Fatalf("OK = false, error = %q", resp.Error)
		}
		var result hostproto.UiStateResult
		if err := hostproto.DecodePayload(resp.Payload, &result); err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if string(result.State) != `{"lines":42}` {
			t.Errorf("State = %s, want the plugin snapshot", result.State)
		}
	})

	t.Run("undeclared hook rejected without restart", func(t *testing.T) {
		rt := newTestRuntime(plainPlugin{})

		resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "u1", Type: hostproto.TypeGetUiState})
		if resp.OK || resp.Restarted {
			t.Errorf("(OK, Restarted) = (%v, %v), want (false, false)", resp.OK, resp.Restarted)
		}
		if resp := rt.Dispatch(context.Background(), ping("p1")); !resp.OK {
			t.Error("Ping failed after unsupported ui-state query")
		}
	})

	t.Run("inactive session scope rejected", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{})
		payload, _ := json.Marshal(hostproto.UiStatePayload{SessionID: "ghost"})

		resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "u1", Type: hostproto.TypeGetUiState, Payload: payload})
		if resp.OK {
			t.Error("OK = true for inactive session scope")
		}
	})
}

func TestDispatch_ApplySharedMemory(t *testing.T) {
	newSegment := func(t *testing.T, capacity int) *shm.Segment {
		t.Helper()
		seg, err := shm.Create(filepath.Join(t.TempDir(), "grant.seg"), capacity)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		t.Cleanup(func() { seg.Close() })
		return seg
	}

	applyReq := func(id, sessionID string, desc shm.Descriptor) hostproto.Request {
		payload, _ := json.Marshal(hostproto.ApplySegmentPayload{SessionID: sessionID, Segment: desc})
		return hostproto.Request{ID: id, Type: hostproto.TypeApplySharedMemory, Payload: payload}
	}

	t.Run("injects writer and frames flow", func(t *testing.T) {
		fake := &fakePlugin{}
		rt := newTestRuntime(fake)
		rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))

		seg := newSegment(t, 4096)
		resp := rt.Dispatch(context.Background(), applyReq("r2", "sess-A", seg.Descriptor()))
		if !resp.OK {
			t.Fatalf("OK = false, error = %q", resp.Error)
		}

		w := fake.heldWriter()
		if w == nil {
			t.Fatal("plugin never received a writer")
		}
		if _, ok := w.TryWriteFrame(shm.DirRx, []byte("first frame")); !ok {
			t.Fatal("TryWriteFrame() through injected writer failed")
		}
		rec, ok := seg.TryReadFrameRecord()
		if !ok || string(rec.Payload) != "first frame" {
			t.Errorf("core side read = (%q, %v), want the written frame", rec.Payload, ok)
		}
	})

	t.Run("second grant switches invisibly", func(t *testing.T) {
		fake := &fakePlugin{}
		rt := newTestRuntime(fake)
		rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))

		first := newSegment(t, 1024)
		rt.Dispatch(context.Background(), applyReq("r2", "sess-A", first.Descriptor()))
		w := fake.heldWriter()

		secondPath := filepath.Join(t.TempDir(), "bigger.seg")
		second, err := shm.Create(secondPath, 8192)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		defer second.Close()

		resp := rt.Dispatch(context.Background(), applyReq("r3", "sess-A", second.Descriptor()))
		if !resp.OK {
			t.Fatalf("OK = false on second grant, error = %q", resp.Error)
		}
		if got := fake.heldWriter(); got != w {
			t.Error("plugin writer handle changed across grant, switch should be invisible")
		}

		if _, ok := w.TryWriteFrame(shm.DirTx, []byte("post-switch")); !ok {
			t.Fatal("TryWriteFrame() after switch failed")
		}
		if rec, ok := second.TryReadFrameRecord(); !ok || string(rec.Payload) != "post-switch" {
			t.Errorf("second segment read = (%q, %v), want the post-switch frame", rec.Payload, ok)
		}
	})

	t.Run("unsupported plugin yields structured negative", func(t *testing.T) {
		rt := newTestRuntime(plainPlugin{})
		rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))

		seg := newSegment(t, 1024)
		resp := rt.Dispatch(context.Background(), applyReq("r2", "sess-A", seg.Descriptor()))
		if resp.OK {
			t.Error("OK = true for plugin without the injection hook")
		}
		if resp.Restarted {
			t.Error("Restarted = true for unsupported feature, want false")
		}
		if resp := rt.Dispatch(context.Background(), ping("p1")); !resp.OK {
			t.Errorf("Ping after unsupported apply failed: %q", resp.Error)
		}
	})

	t.Run("no active session rejected", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{})
		seg := newSegment(t, 1024)

		resp := rt.Dispatch(context.Background(), applyReq("r1", "sess-A", seg.Descriptor()))
		if resp.OK {
			t.Error("OK = true with no active session")
		}
	})
}

func TestDispatch_SetBackpressure(t *testing.T) {
	bpReq := func(id, sessionID string, level hostproto.BackpressureLevel) hostproto.Request {
		payload, _ := json.Marshal(hostproto.SetBackpressurePayload{SessionID: sessionID, Level: level})
		return hostproto.Request{ID: id, Type: hostproto.TypeSetBackpressure, Payload: payload}
	}

	t.Run("forwards level", func(t *testing.T) {
		fake := &fakePlugin{}
		rt := newTestRuntime(fake)
		rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))

		resp := rt.Dispatch(context.Background(), bpReq("r2", "sess-A", hostproto.LevelHigh))
		if !resp.OK {
			t.Fatalf("OK = false, error = %q", resp.Error)
		}
		levels := fake.backpressureLevels()
		if len(levels) != 1 || levels[0] != hostproto.LevelHigh {
			t.Errorf("levels = %v, want [high]", levels)
		}
	})

	t.Run("unsupported plugin yields structured negative", func(t *testing.T) {
		rt := newTestRuntime(plainPlugin{})
		rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))

		resp := rt.Dispatch(context.Background(), bpReq("r2", "sess-A", hostproto.LevelMedium))
		if resp.OK || resp.Restarted {
			t.Errorf("(OK, Restarted) = (%v, %v), want (false, false)", resp.OK, resp.Restarted)
		}
	})

	t.Run("invalid level rejected", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{})
		rt.Dispatch(context.Background(), connectReq("r1", "sess-A"))

		resp := rt.Dispatch(context.Background(), bpReq("r2", "sess-A", "ludicrous"))
		if resp.OK {
			t.Error("OK = true for invalid level")
		}
	})
}

func TestDispatch_Notify(t *testing.T) {
	t.Run("known kind reaches subscriber", func(t *testing.T) {
		fake := &fakePlugin{}
		rt := newTestRuntime(fake)

		resp := rt.Dispatch(context.Background(), hostproto.Request{
			ID:           "n1",
			Type:         hostproto.TypeNotify,
			Notification: &hostproto.Notification{Kind: hostproto.NotificationSettingsChanged},
		})
		if !resp.OK {
			t.Fatalf("OK = false, error = %q", resp.Error)
		}
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		rt := newTestRuntime(&fakePlugin{})

		resp := rt.Dispatch(context.Background(), hostproto.Request{
			ID:           "n1",
			Type:         hostproto.TypeNotify,
			Notification: &hostproto.Notification{Kind: "cosmic-rays"},
		})
		if resp.OK {
			t.Error("OK = true for unknown notification kind")
		}
		if resp.Restarted {
			t.Error("Restarted = true for rejected notification, want false")
		}
	})

	t.Run("non-subscriber acks without delivery", func(t *testing.T) {
		rt := newTestRuntime(plainPlugin{})

		resp := rt.Dispatch(context.Background(), hostproto.Request{
			ID:           "n1",
			Type:         hostproto.TypeNotify,
			Notification: &hostproto.Notification{Kind: hostproto.NotificationThemeChanged},
		})
		if !resp.OK {
			t.Errorf("OK = false for non-subscriber, error = %q", resp.Error)
		}
	})
}

func TestDispatch_Shutdown(t *testing.T) {
	rt := newTestRuntime(&fakePlugin{})
	resp := rt.Dispatch(context.Background(), hostproto.Request{ID: "s1", Type: hostproto.TypeShutdown})
	if !resp.OK {
		t.Errorf("OK = false for shutdown, error = %q", resp.Error)
	}

	// Shutdown is accepted even when the plugin never loaded.
	stage(nil, errors.New("never loaded"))
	rt = NewRuntime(Config{Entry: "host-test"})
	rt.Load()
	resp = rt.Dispatch(context.Background(), hostproto.Request{ID: "s2", Type: hostproto.TypeShutdown})
	if !resp.OK {
		t.Errorf("OK = false for shutdown on unloaded plugin, error = %q", resp.Error)
	}
}
