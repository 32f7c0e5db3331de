package shm

import (
	"encoding/binary"
	"time"
)

// Direction tags which way a frame travelled on the wire.
type Direction uint8

const (
	// DirRx marks frames received from the device.
	DirRx Direction = 0

	// DirTx marks frames sent to the device.
	DirTx Direction = 1
)

// String returns the wire label for the direction.
func (d Direction) String() string {
	if d == DirTx {
		return "tx"
	}
	return "rx"
}

// recordHeaderSize is the fixed per-frame overhead in the ring:
// payload length (4), direction (1), reserved (3), timestamp (8).
const recordHeaderSize = 16

// FrameRecord is one frame as stored in and read back from a segment.
// Payload is an owned copy; it does not alias the mapping.
type FrameRecord struct {
	// ID is the segment-scoped frame identifier, assigned in write order
	// starting at zero.
	ID uint64

	// Direction is rx or tx.
	Direction Direction

	// Timestamp is the producer-side capture time (UTC).
	Timestamp time.Time

	// Payload is the raw frame bytes.
	Payload []byte
}

// encodeRecordHeader packs the fixed header for a frame about to be written.
func encodeRecordHeader(buf *[recordHeaderSize]byte, dir Direction, payloadLen int, ts time.Time) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(payloadLen))
	buf[4] = byte(dir)
	buf[5], buf[6], buf[7] = 0, 0, 0
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ts.UnixNano()))
}

// decodeRecordHeader unpacks a fixed header read from the ring.
func decodeRecordHeader(buf *[recordHeaderSize]byte) (payloadLen int, dir Direction, ts time.Time) {
	payloadLen = int(binary.LittleEndian.Uint32(buf[0:4]))
	dir = Direction(buf[4])
	nanos := int64(binary.LittleEndian.Uint64(buf[8:16]))
	return payloadLen, dir, time.Unix(0, nanos).UTC()
}
