package framestore

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/tracewire/tracewire-core/internal/shm"
)

func record(id uint64, payload string) shm.FrameRecord {
	return shm.FrameRecord{
		ID:        id,
		Direction: shm.DirRx,
		Timestamp: time.Unix(int64(1700000000+id), 0),
		Payload:   []byte(payload),
	}
}

func payloads(records []shm.FrameRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = string(r.Payload)
	}
	return out
}

func TestStore_RecentReturnsChronologicalWindow(t *testing.T) {
	s := New(4)
	for i := 0; i < 10; i++ {
		s.HandleFrame("sess-A", record(uint64(i), fmt.Sprintf("f%d", i)))
	}

	got := payloads(s.Recent("sess-A", 0))
	want := []string{"f6", "f7", "f8", "f9"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Recent() = %v, want %v", got, want)
	}

	got = payloads(s.Recent("sess-A", 2))
	want = []string{"f8", "f9"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Recent(2) = %v, want %v", got, want)
	}

	if got := s.Recent("ghost", 5); got != nil {
		t.Errorf("Recent(ghost) = %v, want nil", got)
	}
}

func TestStore_SessionStats(t *testing.T) {
	s := New(2)
	s.HandleFrame("sess-A", record(0, "abcd"))
	s.HandleFrame("sess-A", record(1, "ef"))
	s.HandleFrame("sess-A", record(2, "ghij"))

	stats, ok := s.SessionStats("sess-A")
	if !ok {
		t.Fatal("SessionStats() ok = false for known session")
	}
	if stats.Frames != 3 {
		t.Errorf("Frames = %d, want 3", stats.Frames)
	}
	if stats.Bytes != 10 {
		t.Errorf("Bytes = %d, want 10", stats.Bytes)
	}
	if stats.Buffered != 2 {
		t.Errorf("Buffered = %d, want the window size 2", stats.Buffered)
	}
	if want := time.Unix(1700000002, 0); !stats.LastFrameAt.Equal(want) {
		t.Errorf("LastFrameAt = %v, want %v", stats.LastFrameAt, want)
	}

	if _, ok := s.SessionStats("ghost"); ok {
		t.Error("SessionStats(ghost) ok = true")
	}
}

func TestStore_TotalsSurviveDrop(t *testing.T) {
	s := New(8)
	s.HandleFrame("sess-A", record(0, "1234"))
	s.HandleFrame("sess-B", record(0, "12"))

	s.Drop("sess-A")

	totals := s.Totals()
	if totals.Frames != 2 {
		t.Errorf("Totals().Frames = %d, want 2 after drop", totals.Frames)
	}
	if totals.Bytes != 6 {
		t.Errorf("Totals().Bytes = %d, want 6 after drop", totals.Bytes)
	}
	if totals.Sessions != 1 {
		t.Errorf("Totals().Sessions = %d, want 1 after drop", totals.Sessions)
	}
	if got := s.Sessions(); len(got) != 1 || got[0] != "sess-B" {
		t.Errorf("Sessions() = %v, want [sess-B]", got)
	}
}

func TestStore_ConcurrentAppendAndRead(t *testing.T) {
	s := New(16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			s.HandleFrame("sess-A", record(uint64(i), "x"))
		}
	}()
	for i := 0; i < 200; i++ {
		s.Recent("sess-A", 5)
		s.Totals()
	}
	<-done

	if got := s.Totals().Frames; got != 500 {
		t.Errorf("Totals().Frames = %d, want 500", got)
	}
}
