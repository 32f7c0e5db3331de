package tsdb

import (
	"context"
	"time"
)

// defaultSampleInterval is used when the recorder is created with a
// non-positive interval.
const defaultSampleInterval = 10 * time.Second

// SessionSample is one live session's gauges at sample time.
type SessionSample struct {
	ID         string
	Entry      string
	Level      string
	UsageRatio float64
	Frames     uint64
	Bytes      uint64
}

// Sample is one telemetry snapshot of the runtime.
type Sample struct {
	IngestFrames uint64
	IngestFaults uint64
	Sessions     []SessionSample
}

// Sampler produces a runtime snapshot. The recorder calls it once per
// interval; it must be safe to call from the recorder's goroutine.
type Sampler func() Sample

// MetricWriter is the subset of Client the recorder writes through.
type MetricWriter interface {
	WriteIngestSample(frames, faults uint64, sessions int)
	WriteSessionUsage(s SessionSample)
}

// Recorder periodically samples runtime counters into the time-series
// store. Create with NewRecorder and drive with Run.
type Recorder struct {
	writer   MetricWriter
	sample   Sampler
	interval time.Duration
}

// NewRecorder creates a recorder writing samples through writer every
// interval.
func NewRecorder(writer MetricWriter, sample Sampler, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &Recorder{writer: writer, sample: sample, interval: interval}
}

// Run samples until ctx is cancelled. It always returns nil; the error
// return exists so it can sit in an errgroup alongside the other
// background tasks.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.record()
		}
	}
}

func (r *Recorder) record() {
	s := r.sample()
	r.writer.WriteIngestSample(s.IngestFrames, s.IngestFaults, len(s.Sessions))
	for _, sess := range s.Sessions {
		r.writer.WriteSessionUsage(sess)
	}
}
