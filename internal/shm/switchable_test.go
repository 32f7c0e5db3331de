package shm

import (
	"sync"
	"testing"
)

func TestSwitchableWriter_SwitchTo(t *testing.T) {
	t.Run("writes land in current target", func(t *testing.T) {
		first := newTestSegment(t, 1024)
		second := newTestSegment(t, 1024)
		w := NewSwitchableWriter(first)

		if _, ok := w.TryWriteFrame(DirRx, []byte("before")); !ok {
			t.Fatal("TryWriteFrame() ok = false before switch")
		}

		prev := w.SwitchTo(second)
		if prev != FrameWriter(first) {
			t.Errorf("SwitchTo() returned %v, want the first segment", prev)
		}

		if _, ok := w.TryWriteFrame(DirRx, []byte("after")); !ok {
			t.Fatal("TryWriteFrame() ok = false after switch")
		}

		if rec, ok := first.TryReadFrameRecord(); !ok || string(rec.Payload) != "before" {
			t.Errorf("first segment record = (%q, %v), want (\"before\", true)", rec.Payload, ok)
		}
		if _, ok := first.TryReadFrameRecord(); ok {
			t.Error("first segment received a frame after the switch")
		}
		if rec, ok := second.TryReadFrameRecord(); !ok || string(rec.Payload) != "after" {
			t.Errorf("second segment record = (%q, %v), want (\"after\", true)", rec.Payload, ok)
		}
	})

	t.Run("nil target fails writes cleanly", func(t *testing.T) {
		seg := newTestSegment(t, 1024)
		w := NewSwitchableWriter(seg)
		w.SwitchTo(nil)

		if _, ok := w.TryWriteFrame(DirRx, []byte("orphan")); ok {
			t.Error("TryWriteFrame() ok = true with nil target")
		}
		if got := w.FreeSpace(); got != 0 {
			t.Errorf("FreeSpace() = %d with nil target, want 0", got)
		}
	})

	t.Run("concurrent writes during switch lose nothing", func(t *testing.T) {
		first := newTestSegment(t, 1<<16)
		second := newTestSegment(t, 1<<16)
		w := NewSwitchableWriter(first)

		const frames = 500
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < frames; i++ {
				if _, ok := w.TryWriteFrame(DirRx, []byte{byte(i)}); !ok {
					t.Errorf("TryWriteFrame() ok = false at frame %d", i)
					return
				}
			}
		}()

		w.SwitchTo(second)
		wg.Wait()

		total := 0
		for {
			if _, ok := first.TryReadFrameRecord(); !ok {
				break
			}
			total++
		}
		for {
			if _, ok := second.TryReadFrameRecord(); !ok {
				break
			}
			total++
		}
		if total != frames {
			t.Errorf("drained %d frames across both segments, want %d", total, frames)
		}
	})
}
