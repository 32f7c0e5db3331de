package workspace

import (
	"github.com/tracewire/tracewire-core/internal/eventbus"
	"github.com/tracewire/tracewire-core/internal/framestore"
	"github.com/tracewire/tracewire-core/internal/ingest"
	"github.com/tracewire/tracewire-core/internal/shm"
)

// NewFrameSink builds the ingest sink used by the manager: every
// drained frame lands in the store and is announced on the bus.
func NewFrameSink(store *framestore.Store, bus *eventbus.Bus) ingest.Sink {
	return ingest.SinkFunc(func(sessionID string, record shm.FrameRecord) {
		store.HandleFrame(sessionID, record)
		bus.Publish(TopicFrames, FrameEvent{
			SessionID: sessionID,
			FrameID:   record.ID,
			Direction: record.Direction.String(),
			Size:      len(record.Payload),
			At:        record.Timestamp,
		})
	})
}
