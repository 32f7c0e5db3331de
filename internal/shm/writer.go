package shm

import (
	"context"
	"sync/atomic"
	"time"
)

// FrameWriter is the surface a frame producer writes through. Segment,
// Writer and SwitchableWriter all implement it, so the layers compose.
type FrameWriter interface {
	TryWriteFrame(dir Direction, payload []byte) (uint64, bool)
	FreeSpace() int
	UsageRatio() float64
}

// Logger defines the logging interface for the shm package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// WritePolicy bounds how long a blocking write waits for ring space before
// giving the frame up.
type WritePolicy struct {
	// InitialDelay is the first backoff pause after a full ring.
	InitialDelay time.Duration

	// MaxDelay caps the doubling backoff pause.
	MaxDelay time.Duration

	// MaxAttempts is the total number of write attempts before the frame
	// is dropped.
	MaxAttempts int
}

// DefaultWritePolicy returns the policy used when a zero WritePolicy is
// given to NewWriter.
func DefaultWritePolicy() WritePolicy {
	return WritePolicy{
		InitialDelay: time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		MaxAttempts:  8,
	}
}

// Writer adds a blocking write with bounded exponential backoff on top of a
// FrameWriter. A ring that stays full past the backoff budget costs the
// frame, never the caller's liveness: the producing read loop must keep
// servicing its device.
type Writer struct {
	target  FrameWriter
	policy  WritePolicy
	logger  Logger
	dropped atomic.Uint64
}

// NewWriter wraps target with the given policy. Zero policy fields fall back
// to DefaultWritePolicy.
func NewWriter(target FrameWriter, policy WritePolicy) *Writer {
	def := DefaultWritePolicy()
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	return &Writer{target: target, policy: policy, logger: noopLogger{}}
}

// SetLogger sets the logger for the writer.
func (w *Writer) SetLogger(logger Logger) {
	w.logger = logger
}

// TryWriteFrame forwards to the underlying target without retrying.
func (w *Writer) TryWriteFrame(dir Direction, payload []byte) (uint64, bool) {
	return w.target.TryWriteFrame(dir, payload)
}

// FreeSpace forwards to the underlying target.
func (w *Writer) FreeSpace() int {
	return w.target.FreeSpace()
}

// UsageRatio forwards to the underlying target.
func (w *Writer) UsageRatio() float64 {
	return w.target.UsageRatio()
}

// WriteFrame writes one frame, retrying with doubling delays while the ring
// is full. After MaxAttempts the frame is dropped, counted and reported as
// ErrFrameDropped. Context cancellation stops the wait early.
func (w *Writer) WriteFrame(ctx context.Context, dir Direction, payload []byte) (uint64, error) {
	if id, ok := w.target.TryWriteFrame(dir, payload); ok {
		return id, nil
	}

	delay := w.policy.InitialDelay
	for attempt := 1; attempt < w.policy.MaxAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
		if id, ok := w.target.TryWriteFrame(dir, payload); ok {
			return id, nil
		}
		delay *= 2
		if delay > w.policy.MaxDelay {
			delay = w.policy.MaxDelay
		}
	}

	w.dropped.Add(1)
	w.logger.Warn("frame dropped after backoff",
		"direction", dir.String(),
		"bytes", len(payload),
		"attempts", w.policy.MaxAttempts)
	return 0, ErrFrameDropped
}

// Dropped reports how many frames this writer discarded under sustained
// overload.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}
