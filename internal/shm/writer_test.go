package shm

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestWriter_WriteFrame(t *testing.T) {
	t.Run("immediate success skips backoff", func(t *testing.T) {
		seg := newTestSegment(t, 1024)
		w := NewWriter(seg, WritePolicy{})

		start := time.Now()
		id, err := w.WriteFrame(context.Background(), DirRx, []byte("hello"))
		if err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
		if id != 0 {
			t.Errorf("frame id = %d, want 0", id)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("WriteFrame() took %v on empty ring, want immediate", elapsed)
		}
	})

	t.Run("drops after exhausted backoff", func(t *testing.T) {
		seg := newTestSegment(t, 128)
		w := NewWriter(seg, WritePolicy{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			MaxAttempts:  3,
		})

		// Fill the ring so every attempt fails.
		if _, ok := seg.TryWriteFrame(DirRx, make([]byte, 100)); !ok {
			t.Fatal("setup write failed")
		}

		_, err := w.WriteFrame(context.Background(), DirRx, make([]byte, 100))
		if !errors.Is(err, ErrFrameDropped) {
			t.Fatalf("WriteFrame() error = %v, want ErrFrameDropped", err)
		}
		if got := w.Dropped(); got != 1 {
			t.Errorf("Dropped() = %d, want 1", got)
		}
	})

	t.Run("retry succeeds once ring drains", func(t *testing.T) {
		seg := newTestSegment(t, 128)
		w := NewWriter(seg, WritePolicy{
			InitialDelay: 2 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			MaxAttempts:  20,
		})

		if _, ok := seg.TryWriteFrame(DirRx, make([]byte, 100)); !ok {
			t.Fatal("setup write failed")
		}

		// Drain concurrently while the writer backs off.
		go func() {
			time.Sleep(5 * time.Millisecond)
			seg.TryReadFrameRecord()
		}()

		payload := bytes.Repeat([]byte{0xCD}, 100)
		id, err := w.WriteFrame(context.Background(), DirRx, payload)
		if err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
		if id != 1 {
			t.Errorf("frame id = %d, want 1", id)
		}
		if got := w.Dropped(); got != 0 {
			t.Errorf("Dropped() = %d, want 0", got)
		}
	})

	t.Run("context cancellation stops the wait", func(t *testing.T) {
		seg := newTestSegment(t, 128)
		w := NewWriter(seg, WritePolicy{
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			MaxAttempts:  100,
		})

		if _, ok := seg.TryWriteFrame(DirRx, make([]byte, 100)); !ok {
			t.Fatal("setup write failed")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := w.WriteFrame(ctx, DirRx, make([]byte, 100))
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("WriteFrame() error = %v, want context.DeadlineExceeded", err)
		}
		if got := w.Dropped(); got != 0 {
			t.Errorf("Dropped() = %d after cancellation, want 0", got)
		}
	})
}
