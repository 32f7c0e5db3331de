// Package loopback registers a synthetic serial device used to exercise
// the whole frame path without hardware: shared-memory injection, segment
// growth, backpressure and UI state all behave exactly as they would for
// a real port.
package loopback

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/plugin"
	"github.com/tracewire/tracewire-core/internal/shm"
)

// Entry is the registry name of the loopback plugin.
const Entry = "loopback"

// CapabilityID identifies the single capability the plugin offers.
const CapabilityID = "loopback-serial"

const (
	defaultInterval = 20 * time.Millisecond
	defaultChunk    = 64

	// minChunk is the floor the generator shrinks to under pressure.
	minChunk = 16

	// echoEvery: every Nth generated frame is mirrored as a tx frame,
	// mimicking a device that answers what was written to it.
	echoEvery = 4
)

func init() {
	plugin.Register(Entry, func() (plugin.Plugin, error) {
		return New(), nil
	})
}

// Device is a pattern generator posing as a serial port. One instance
// serves at most one session, matching the host's single session slot.
type Device struct {
	mu         sync.Mutex
	sessionID  string
	writer     *shm.SwitchableWriter
	cancel     context.CancelFunc
	done       chan struct{}
	invalidate func(capabilityID, viewID, reason string)

	interval time.Duration
	chunk    int
	level    hostproto.BackpressureLevel

	seq    uint64
	frames uint64
	drops  uint64
}

// New creates an idle loopback device.
func New() *Device {
	return &Device{
		interval: defaultInterval,
		chunk:    defaultChunk,
		level:    hostproto.LevelNone,
	}
}

// Capabilities implements plugin.Plugin.
func (d *Device) Capabilities() []hostproto.Capability {
	return []hostproto.Capability{
		{
			ID:          CapabilityID,
			Name:        "Loopback Serial",
			Description: "Synthetic device generating a counter byte stream.",
			Params: []hostproto.ParamSpec{
				{Name: "interval_ms", Type: hostproto.ParamInt},
				{Name: "chunk", Type: hostproto.ParamInt},
			},
			SharedMemory: &hostproto.SharedMemoryHints{
				MinBytes:       4096,
				PreferredBytes: 64 * 1024,
				MaxBytes:       1 << 20,
				GrowthStep:     64 * 1024,
				SupportsSwitch: true,
			},
		},
	}
}

// Connect implements plugin.Plugin. The generator starts immediately but
// produces nothing until the host injects the frame writer.
func (d *Device) Connect(_ context.Context, req plugin.ConnectRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sessionID = req.SessionID
	d.interval = defaultInterval
	d.chunk = defaultChunk
	d.level = hostproto.LevelNone
	d.seq = 0
	d.frames = 0
	d.drops = 0

	if ms := paramInt(req.Params, "interval_ms"); ms > 0 {
		d.interval = time.Duration(ms) * time.Millisecond
	}
	if chunk := paramInt(req.Params, "chunk"); chunk >= minChunk {
		d.chunk = chunk
	}

	genCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(genCtx, d.done)

	return req.SessionID, nil
}

// Disconnect implements plugin.Plugin.
func (d *Device) Disconnect(_ context.Context, _ string) error {
	d.stopGenerator()

	d.mu.Lock()
	d.sessionID = ""
	d.writer = nil
	d.mu.Unlock()
	return nil
}

// ApplySharedMemory implements plugin.SharedMemoryConsumer.
func (d *Device) ApplySharedMemory(_ context.Context, _ string, w *shm.SwitchableWriter) error {
	d.mu.Lock()
	d.writer = w
	d.mu.Unlock()
	return nil
}

// SetBackpressure implements plugin.BackpressureAware. Medium pressure
// shrinks the chunk, high pauses generation entirely. The status view is
// invalidated so the shell can show the change.
func (d *Device) SetBackpressure(_ context.Context, _ string, level hostproto.BackpressureLevel) error {
	d.mu.Lock()
	changed := d.level != level
	d.level = level
	invalidate := d.invalidate
	d.mu.Unlock()

	if changed && invalidate != nil {
		invalidate(CapabilityID, "status", "backpressure")
	}
	return nil
}

// UiState implements plugin.UiStater.
func (d *Device) UiState(_ context.Context, _ string, _ string) (json.RawMessage, error) {
	d.mu.Lock()
	state := struct {
		IntervalMs int64  `json:"intervalMs"`
		Chunk      int    `json:"chunk"`
		Level      string `json:"level"`
		Frames     uint64 `json:"frames"`
		Drops      uint64 `json:"drops"`
	}{
		IntervalMs: d.interval.Milliseconds(),
		Chunk:      d.chunk,
		Level:      string(d.level),
		Frames:     d.frames,
		Drops:      d.drops,
	}
	d.mu.Unlock()

	return json.Marshal(state)
}

// Notify implements plugin.Notifiable. The generator stops early on
// workspace-closing; everything else is irrelevant to a synthetic device.
func (d *Device) Notify(_ context.Context, kind string, _ json.RawMessage) error {
	if kind == hostproto.NotificationWorkspaceClosing {
		d.stopGenerator()
	}
	return nil
}

// SetUiStateInvalidator implements plugin.UiStateNotifier.
func (d *Device) SetUiStateInvalidator(invalidate func(capabilityID, viewID, reason string)) {
	d.mu.Lock()
	d.invalidate = invalidate
	d.mu.Unlock()
}

func (d *Device) stopGenerator() {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.cancel = nil
	d.done = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// run produces one frame per tick until cancelled.
func (d *Device) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	d.mu.Lock()
	interval := d.interval
	d.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.emit()
		}
	}
}

// emit writes the next chunk of the counter pattern, scaled by the
// current backpressure level.
func (d *Device) emit() {
	d.mu.Lock()
	writer := d.writer
	level := d.level
	chunk := d.chunk
	seq := d.seq
	d.mu.Unlock()

	if writer == nil || level == hostproto.LevelHigh {
		return
	}
	if level == hostproto.LevelMedium && chunk/2 >= minChunk {
		chunk /= 2
	}

	payload := make([]byte, chunk)
	for i := range payload {
		payload[i] = byte(seq + uint64(i))
	}

	_, ok := writer.TryWriteFrame(shm.DirRx, payload)

	d.mu.Lock()
	d.seq += uint64(chunk)
	if ok {
		d.frames++
		if d.frames%echoEvery == 0 {
			if _, echoed := writer.TryWriteFrame(shm.DirTx, payload); echoed {
				d.frames++
			}
		}
	} else {
		d.drops++
	}
	d.mu.Unlock()
}

func paramInt(params map[string]any, name string) int {
	switch v := params[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
