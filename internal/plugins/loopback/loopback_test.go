package loopback_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/plugin"
	"github.com/tracewire/tracewire-core/internal/plugins/loopback"
	"github.com/tracewire/tracewire-core/internal/shm"
)

// testWriter builds a segment-backed switchable writer like the host does.
func testWriter(t *testing.T) (*shm.SwitchableWriter, *shm.Segment) {
	t.Helper()
	seg, err := shm.Create(filepath.Join(t.TempDir(), "loopback.ring"), 8192)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	return shm.NewSwitchableWriter(shm.NewWriter(seg, shm.WritePolicy{})), seg
}

func connectDevice(t *testing.T, d *loopback.Device, params map[string]any) *shm.Segment {
	t.Helper()
	ctx := context.Background()

	echo, err := d.Connect(ctx, plugin.ConnectRequest{
		SessionID:    "sess-loop",
		CapabilityID: loopback.CapabilityID,
		Params:       params,
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if echo != "sess-loop" {
		t.Fatalf("Connect() echo = %q, want %q", echo, "sess-loop")
	}
	t.Cleanup(func() { d.Disconnect(ctx, "sess-loop") })

	w, seg := testWriter(t)
	if err := d.ApplySharedMemory(ctx, "sess-loop", w); err != nil {
		t.Fatalf("ApplySharedMemory() error = %v", err)
	}
	return seg
}

// collectFrames reads until n frames arrived or the timeout passes.
func collectFrames(t *testing.T, seg *shm.Segment, n int, timeout time.Duration) []shm.FrameRecord {
	t.Helper()
	var out []shm.FrameRecord
	deadline := time.Now().Add(timeout)
	for len(out) < n {
		if rec, ok := seg.TryReadFrameRecord(); ok {
			out = append(out, rec)
			continue
		}
		if time.Now().After(deadline) {
			t.Fatalf("collected %d frames, want %d", len(out), n)
		}
		time.Sleep(time.Millisecond)
	}
	return out
}

func TestDevice_GeneratesFrames(t *testing.T) {
	d := loopback.New()
	seg := connectDevice(t, d, map[string]any{"interval_ms": 5, "chunk": 32})

	frames := collectFrames(t, seg, 10, 2*time.Second)

	rx, tx := 0, 0
	for _, rec := range frames {
		if len(rec.Payload) != 32 {
			t.Errorf("frame payload length = %d, want 32", len(rec.Payload))
		}
		switch rec.Direction {
		case shm.DirRx:
			rx++
		case shm.DirTx:
			tx++
		}
	}
	if rx == 0 {
		t.Error("no rx frames generated")
	}
	if tx == 0 {
		t.Error("no echoed tx frames among the first ten")
	}
}

func TestDevice_DisconnectStopsGenerator(t *testing.T) {
	d := loopback.New()
	seg := connectDevice(t, d, map[string]any{"interval_ms": 5})

	collectFrames(t, seg, 3, 2*time.Second)

	if err := d.Disconnect(context.Background(), "sess-loop"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	// The generator has exited by the time Disconnect returns; whatever
	// is left in the ring is all there will ever be.
	for {
		if _, ok := seg.TryReadFrameRecord(); !ok {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := seg.TryReadFrameRecord(); ok {
		t.Error("frame written after Disconnect()")
	}
}

func TestDevice_HighBackpressurePauses(t *testing.T) {
	d := loopback.New()
	seg := connectDevice(t, d, map[string]any{"interval_ms": 5})
	ctx := context.Background()

	collectFrames(t, seg, 3, 2*time.Second)

	if err := d.SetBackpressure(ctx, "sess-loop", hostproto.LevelHigh); err != nil {
		t.Fatalf("SetBackpressure() error = %v", err)
	}
	// Drain what was written before the level landed, then confirm
	// silence.
	time.Sleep(20 * time.Millisecond)
	for {
		if _, ok := seg.TryReadFrameRecord(); !ok {
			break
		}
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := seg.TryReadFrameRecord(); ok {
		t.Error("frame written while backpressure is high")
	}

	// Dropping the level resumes generation.
	if err := d.SetBackpressure(ctx, "sess-loop", hostproto.LevelNone); err != nil {
		t.Fatalf("SetBackpressure() error = %v", err)
	}
	collectFrames(t, seg, 1, 2*time.Second)
}

func TestDevice_UiState(t *testing.T) {
	d := loopback.New()
	connectDevice(t, d, map[string]any{"interval_ms": 5, "chunk": 48})

	var invalidated []string
	d.SetUiStateInvalidator(func(capabilityID, viewID, reason string) {
		invalidated = append(invalidated, viewID+"/"+reason)
	})

	raw, err := d.UiState(context.Background(), "sess-loop", "status")
	if err != nil {
		t.Fatalf("UiState() error = %v", err)
	}
	var state struct {
		IntervalMs int64  `json:"intervalMs"`
		Chunk      int    `json:"chunk"`
		Level      string `json:"level"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("UiState() returned invalid JSON: %v", err)
	}
	if state.IntervalMs != 5 {
		t.Errorf("intervalMs = %d, want 5", state.IntervalMs)
	}
	if state.Chunk != 48 {
		t.Errorf("chunk = %d, want 48", state.Chunk)
	}
	if state.Level != "none" {
		t.Errorf("level = %q, want %q", state.Level, "none")
	}

	if err := d.SetBackpressure(context.Background(), "sess-loop", hostproto.LevelMedium); err != nil {
		t.Fatalf("SetBackpressure() error = %v", err)
	}
	if len(invalidated) != 1 || invalidated[0] != "status/backpressure" {
		t.Errorf("invalidations = %v, want [status/backpressure]", invalidated)
	}
}

func TestDevice_Registered(t *testing.T) {
	p, err := plugin.New(loopback.Entry)
	if err != nil {
		t.Fatalf("plugin.New(%q) error = %v", loopback.Entry, err)
	}

	caps := p.Capabilities()
	if len(caps) != 1 {
		t.Fatalf("Capabilities() length = %d, want 1", len(caps))
	}
	if caps[0].ID != loopback.CapabilityID {
		t.Errorf("capability ID = %q, want %q", caps[0].ID, loopback.CapabilityID)
	}
	hints := caps[0].SharedMemory
	if hints == nil || !hints.SupportsSwitch {
		t.Error("capability must advertise switch-capable shared memory")
	}
}
