package tsdb_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tracewire/tracewire-core/internal/infrastructure/tsdb"
)

// fakeWriter captures points instead of sending them anywhere.
type fakeWriter struct {
	mu       sync.Mutex
	ingest   int
	sessions []tsdb.SessionSample
}

func (f *fakeWriter) WriteIngestSample(_, _ uint64, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingest++
}

func (f *fakeWriter) WriteSessionUsage(s tsdb.SessionSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
}

func (f *fakeWriter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ingest, len(f.sessions)
}

func TestRecorder_Run(t *testing.T) {
	writer := &fakeWriter{}
	sampler := func() tsdb.Sample {
		return tsdb.Sample{
			IngestFrames: 100,
			IngestFaults: 0,
			Sessions: []tsdb.SessionSample{
				{ID: "sess-a", Entry: "loopback", Level: "none", UsageRatio: 0.1},
				{ID: "sess-b", Entry: "mqtt-bridge", Level: "high", UsageRatio: 0.9},
			},
		}
	}

	rec := tsdb.NewRecorder(writer, sampler, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ingest, sessions := writer.counts()
		if ingest >= 2 && sessions >= 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorder wrote %d ingest / %d session points, want at least 2/4", ingest, sessions)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if writer.sessions[0].ID != "sess-a" || writer.sessions[1].ID != "sess-b" {
		t.Errorf("session points = [%s %s], want [sess-a sess-b]", writer.sessions[0].ID, writer.sessions[1].ID)
	}
}
