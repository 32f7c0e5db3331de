package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/infrastructure/config"
	"github.com/tracewire/tracewire-core/internal/infrastructure/mqtt"
	"github.com/tracewire/tracewire-core/internal/plugin"
	"github.com/tracewire/tracewire-core/internal/shm"
)

// fakeBroker records subscriptions and lets tests push messages through
// their handlers.
type fakeBroker struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	closed   bool

	subscribeErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeBroker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBroker) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	if handler == nil {
		t.Fatalf("no handler subscribed on %s", topic)
	}
	handler(topic, payload)
}

func (f *fakeBroker) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.handlers))
	for topic := range f.handlers {
		out = append(out, topic)
	}
	return out
}

func testBridge(fake *fakeBroker) *Bridge {
	b := New()
	b.dial = func(_ config.MQTTConfig) (broker, error) {
		return fake, nil
	}
	return b
}

func connectBridge(t *testing.T, b *Bridge) {
	t.Helper()
	echo, err := b.Connect(context.Background(), plugin.ConnectRequest{
		SessionID:    "sess-bridge",
		CapabilityID: CapabilityID,
		Params: map[string]any{
			"gateway_id":  "bench-ttyusb0",
			"broker_host": "broker.local",
		},
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if echo != "sess-bridge" {
		t.Fatalf("Connect() echo = %q, want %q", echo, "sess-bridge")
	}
}

func applyWriter(t *testing.T, b *Bridge) *shm.Segment {
	t.Helper()
	seg, err := shm.Create(filepath.Join(t.TempDir(), "bridge.ring"), 8192)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { seg.Close() })

	w := shm.NewSwitchableWriter(shm.NewWriter(seg, shm.WritePolicy{}))
	if err := b.ApplySharedMemory(context.Background(), "sess-bridge", w); err != nil {
		t.Fatalf("ApplySharedMemory() error = %v", err)
	}
	return seg
}

type bridgeStateView struct {
	GatewayID string `json:"gatewayId"`
	Online    bool   `json:"online"`
	Level     string `json:"level"`
	RxFrames  uint64 `json:"rxFrames"`
	TxFrames  uint64 `json:"txFrames"`
	Dropped   uint64 `json:"dropped"`
}

func bridgeState(t *testing.T, b *Bridge) bridgeStateView {
	t.Helper()
	raw, err := b.UiState(context.Background(), "sess-bridge", "status")
	if err != nil {
		t.Fatalf("UiState() error = %v", err)
	}
	var state bridgeStateView
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("UiState() returned invalid JSON: %v", err)
	}
	return state
}

func TestBridge_ConnectSubscribes(t *testing.T) {
	fake := newFakeBroker()
	b := testBridge(fake)
	connectBridge(t, b)

	want := map[string]bool{
		"tracewire/gateway/bench-ttyusb0/rx":     true,
		"tracewire/gateway/bench-ttyusb0/tx":     true,
		"tracewire/gateway/bench-ttyusb0/status": true,
	}
	got := fake.topics()
	if len(got) != len(want) {
		t.Fatalf("subscribed topics = %v, want 3 gateway topics", got)
	}
	for _, topic := range got {
		if !want[topic] {
			t.Errorf("unexpected subscription %q", topic)
		}
	}
}

func TestBridge_ConnectErrors(t *testing.T) {
	t.Run("missing params", func(t *testing.T) {
		b := testBridge(newFakeBroker())
		_, err := b.Connect(context.Background(), plugin.ConnectRequest{
			SessionID: "sess-x",
			Params:    map[string]any{"gateway_id": "g1"},
		})
		if err == nil {
			t.Error("Connect() without broker_host returned nil error")
		}
	})

	t.Run("dial failure", func(t *testing.T) {
		b := New()
		b.dial = func(_ config.MQTTConfig) (broker, error) {
			return nil, errors.New("broker unreachable")
		}
		_, err := b.Connect(context.Background(), plugin.ConnectRequest{
			SessionID: "sess-x",
			Params:    map[string]any{"gateway_id": "g1", "broker_host": "nowhere"},
		})
		if err == nil {
			t.Error("Connect() with failing dial returned nil error")
		}
	})

	t.Run("subscribe failure closes broker", func(t *testing.T) {
		fake := newFakeBroker()
		fake.subscribeErr = errors.New("acl denied")
		b := testBridge(fake)
		_, err := b.Connect(context.Background(), plugin.ConnectRequest{
			SessionID: "sess-x",
			Params:    map[string]any{"gateway_id": "g1", "broker_host": "broker.local"},
		})
		if err == nil {
			t.Fatal("Connect() with failing subscribe returned nil error")
		}
		if !fake.closed {
			t.Error("broker not closed after subscribe failure")
		}
	})
}

func TestBridge_TrafficBecomesFrames(t *testing.T) {
	fake := newFakeBroker()
	b := testBridge(fake)
	connectBridge(t, b)
	seg := applyWriter(t, b)

	inbound := []byte{0x01, 0x03, 0x02, 0x00, 0x2a}
	outbound := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	fake.deliver(t, "tracewire/gateway/bench-ttyusb0/rx", inbound)
	fake.deliver(t, "tracewire/gateway/bench-ttyusb0/tx", outbound)

	rec, ok := seg.TryReadFrameRecord()
	if !ok {
		t.Fatal("no frame after rx delivery")
	}
	if rec.Direction != shm.DirRx {
		t.Errorf("first frame direction = %v, want rx", rec.Direction)
	}
	if string(rec.Payload) != string(inbound) {
		t.Errorf("rx payload = %x, want %x", rec.Payload, inbound)
	}

	rec, ok = seg.TryReadFrameRecord()
	if !ok {
		t.Fatal("no frame after tx delivery")
	}
	if rec.Direction != shm.DirTx {
		t.Errorf("second frame direction = %v, want tx", rec.Direction)
	}

	state := bridgeState(t, b)
	if state.RxFrames != 1 || state.TxFrames != 1 {
		t.Errorf("counters = rx %d / tx %d, want 1/1", state.RxFrames, state.TxFrames)
	}
}

func TestBridge_DropsWithoutWriter(t *testing.T) {
	fake := newFakeBroker()
	b := testBridge(fake)
	connectBridge(t, b)

	// No writer injected yet: traffic is counted, not crashed on.
	fake.deliver(t, "tracewire/gateway/bench-ttyusb0/rx", []byte{0xff})

	state := bridgeState(t, b)
	if state.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", state.Dropped)
	}
	if state.RxFrames != 0 {
		t.Errorf("rxFrames = %d, want 0", state.RxFrames)
	}
}

func TestBridge_HighBackpressureSheds(t *testing.T) {
	fake := newFakeBroker()
	b := testBridge(fake)
	connectBridge(t, b)
	seg := applyWriter(t, b)

	if err := b.SetBackpressure(context.Background(), "sess-bridge", hostproto.LevelHigh); err != nil {
		t.Fatalf("SetBackpressure() error = %v", err)
	}
	fake.deliver(t, "tracewire/gateway/bench-ttyusb0/rx", []byte{0x01})

	if _, ok := seg.TryReadFrameRecord(); ok {
		t.Error("frame written while shedding under high backpressure")
	}
	state := bridgeState(t, b)
	if state.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", state.Dropped)
	}

	if err := b.SetBackpressure(context.Background(), "sess-bridge", hostproto.LevelNone); err != nil {
		t.Fatalf("SetBackpressure() error = %v", err)
	}
	fake.deliver(t, "tracewire/gateway/bench-ttyusb0/rx", []byte{0x02})
	if _, ok := seg.TryReadFrameRecord(); !ok {
		t.Error("no frame after backpressure cleared")
	}
}

func TestBridge_GatewayStatus(t *testing.T) {
	fake := newFakeBroker()
	b := testBridge(fake)

	var invalidations []string
	b.SetUiStateInvalidator(func(_, viewID, reason string) {
		invalidations = append(invalidations, viewID+"/"+reason)
	})
	connectBridge(t, b)

	fake.deliver(t, "tracewire/gateway/bench-ttyusb0/status", []byte(`{"status":"online","client_id":"gw"}`))
	state := bridgeState(t, b)
	if !state.Online {
		t.Error("gateway not reported online after status message")
	}
	if len(invalidations) != 1 || invalidations[0] != "status/gateway-status" {
		t.Errorf("invalidations = %v, want [status/gateway-status]", invalidations)
	}

	// Garbage payloads are ignored, state sticks.
	fake.deliver(t, "tracewire/gateway/bench-ttyusb0/status", []byte("not json"))
	if state := bridgeState(t, b); !state.Online {
		t.Error("garbage status payload flipped the online flag")
	}

	fake.deliver(t, "tracewire/gateway/bench-ttyusb0/status", []byte(`{"status":"offline"}`))
	if state := bridgeState(t, b); state.Online {
		t.Error("gateway still reported online after offline status")
	}
}

func TestBridge_DisconnectClosesBroker(t *testing.T) {
	fake := newFakeBroker()
	b := testBridge(fake)
	connectBridge(t, b)

	if err := b.Disconnect(context.Background(), "sess-bridge"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !fake.closed {
		t.Error("broker connection not closed on disconnect")
	}

	// A second disconnect has nothing left to close.
	if err := b.Disconnect(context.Background(), "sess-bridge"); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

func TestBridge_Registered(t *testing.T) {
	p, err := plugin.New(Entry)
	if err != nil {
		t.Fatalf("plugin.New(%q) error = %v", Entry, err)
	}

	caps := p.Capabilities()
	if len(caps) != 1 {
		t.Fatalf("Capabilities() length = %d, want 1", len(caps))
	}
	if caps[0].ID != CapabilityID {
		t.Errorf("capability ID = %q, want %q", caps[0].ID, CapabilityID)
	}

	var required []string
	for _, spec := range caps[0].Params {
		if spec.Required {
			required = append(required, spec.Name)
		}
	}
	if len(required) != 2 {
		t.Errorf("required params = %v, want gateway_id and broker_host", required)
	}
}
