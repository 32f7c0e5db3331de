package shm

import "sync"

// SwitchableWriter gives a frame producer a stable handle while the segment
// underneath is replaced, for example when the workspace grows a ring that
// keeps running full. A write in flight completes against the target it
// started with; the switch takes effect for the next write.
type SwitchableWriter struct {
	mu     sync.RWMutex
	target FrameWriter
}

// NewSwitchableWriter wraps target. A nil target is allowed: writes fail
// cleanly until SwitchTo installs one.
func NewSwitchableWriter(target FrameWriter) *SwitchableWriter {
	return &SwitchableWriter{target: target}
}

// TryWriteFrame forwards to the current target.
func (w *SwitchableWriter) TryWriteFrame(dir Direction, payload []byte) (uint64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.target == nil {
		return 0, false
	}
	return w.target.TryWriteFrame(dir, payload)
}

// FreeSpace forwards to the current target; zero when no target is set.
func (w *SwitchableWriter) FreeSpace() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.target == nil {
		return 0
	}
	return w.target.FreeSpace()
}

// UsageRatio forwards to the current target; zero when no target is set.
func (w *SwitchableWriter) UsageRatio() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.target == nil {
		return 0
	}
	return w.target.UsageRatio()
}

// SwitchTo redirects subsequent writes to next and returns the previous
// target. It waits for writes in flight to finish, so the caller may drain
// and dispose the returned target immediately. next may be nil to detach
// the producer at session teardown.
func (w *SwitchableWriter) SwitchTo(next FrameWriter) FrameWriter {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.target
	w.target = next
	return prev
}
