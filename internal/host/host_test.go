package host

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/plugin"
	"github.com/tracewire/tracewire-core/internal/shm"
)

// The test factory returns whatever the current test staged, so each test
// shapes plugin behaviour without touching the global registry again.
var (
	stageMu       sync.Mutex
	stagedPlugin  plugin.Plugin
	stagedLoadErr error
)

func init() {
	plugin.Register("host-test", func() (plugin.Plugin, error) {
		stageMu.Lock()
		defer stageMu.Unlock()
		if stagedLoadErr != nil {
			return nil, stagedLoadErr
		}
		if stagedPlugin == nil {
			return &fakePlugin{}, nil
		}
		return stagedPlugin, nil
	})
}

func stage(p plugin.Plugin, loadErr error) {
	stageMu.Lock()
	stagedPlugin, stagedLoadErr = p, loadErr
	stageMu.Unlock()
}

func newTestRuntime(p plugin.Plugin) *Runtime {
	stage(p, nil)
	rt := NewRuntime(Config{
		Entry:       "host-test",
		HostToken:   "tok-test",
		CallTimeout: 200 * time.Millisecond,
	})
	rt.Load()
	return rt
}

// serialCap is the capability used across dispatch tests.
var serialCap = hostproto.Capability{
	ID: "serial",
	Params: []hostproto.ParamSpec{
		{Name: "port", Type: hostproto.ParamString, Required: true},
		{Name: "baud", Type: hostproto.ParamInt},
	},
	SharedMemory: &hostproto.SharedMemoryHints{
		MinBytes:       1024,
		PreferredBytes: 4096,
		MaxBytes:       16384,
		GrowthStep:     4096,
		SupportsSwitch: true,
	},
}

// fakePlugin implements every optional hook with scriptable behaviour.
type fakePlugin struct {
	mu sync.Mutex

	caps          []hostproto.Capability
	connectErr    error
	connectPanics bool
	connectEcho   string // overrides the echoed session id when set
	connectDelay  time.Duration
	disconnectErr error
	notifyErr     error
	notifyPanics  bool
	uiState       json.RawMessage
	uiStateErr    error

	connects    int
	disconnects int
	notified    []string
	writer      *shm.SwitchableWriter
	levels      []hostproto.BackpressureLevel
}

func (f *fakePlugin) Capabilities() []hostproto.Capability {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.caps == nil {
		return []hostproto.Capability{serialCap}
	}
	return f.caps
}

func (f *fakePlugin) Connect(_ context.Context, req plugin.ConnectRequest) (string, error) {
	f.mu.Lock()
	f.connects++
	delay, echo, err, panics := f.connectDelay, f.connectEcho, f.connectErr, f.connectPanics
	f.mu.Unlock()

	if panics {
		panic("connect exploded")
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	if echo != "" {
		return echo, nil
	}
	return req.SessionID, nil
}

func (f *fakePlugin) Disconnect(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return f.disconnectErr
}

func (f *fakePlugin) Notify(_ context.Context, kind string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyPanics {
		panic("notify exploded")
	}
	f.notified = append(f.notified, kind)
	return f.notifyErr
}

func (f *fakePlugin) UiState(_ context.Context, _, _ string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uiStateErr != nil {
		return nil, f.uiStateErr
	}
	if f.uiState == nil {
		return json.RawMessage(`{}`), nil
	}
	return f.uiState, nil
}

func (f *fakePlugin) ApplySharedMemory(_ context.Context, _ string, w *shm.SwitchableWriter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writer = w
	return nil
}

func (f *fakePlugin) SetBackpressure(_ context.Context, _ string, level hostproto.BackpressureLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, level)
	return nil
}

func (f *fakePlugin) heldWriter() *shm.SwitchableWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer
}

func (f *fakePlugin) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakePlugin) backpressureLevels() []hostproto.BackpressureLevel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hostproto.BackpressureLevel(nil), f.levels...)
}

// plainPlugin implements only the mandatory surface, for the structured
// negative-result paths.
type plainPlugin struct{}

func (plainPlugin) Capabilities() []hostproto.Capability {
	return []hostproto.Capability{{ID: "serial"}}
}

func (plainPlugin) Connect(_ context.Context, req plugin.ConnectRequest) (string, error) {
	return req.SessionID, nil
}

func (plainPlugin) Disconnect(context.Context, string) error { return nil }

// connectReq builds a valid connect request for the serial capability.
func connectReq(id, sessionID string) hostproto.Request {
	payload, _ := json.Marshal(hostproto.ConnectPayload{
		SessionID:    sessionID,
		CapabilityID: "serial",
		Params:       map[string]any{"port": "/dev/ttyUSB0"},
	})
	return hostproto.Request{ID: id, Type: hostproto.TypeConnect, Payload: payload}
}
