package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Segment header layout within the mapped file. Cursor fields sit on 8-byte
// boundaries so both processes can access them atomically through the
// mapping.
const (
	offMagic         = 0
	offVersion       = 4
	offCapacity      = 8
	offWritePos      = 16
	offReadPos       = 24
	offFramesWritten = 32
	offFramesRead    = 40

	segmentHeaderSize = 64
)

const (
	segmentMagic   uint32 = 0x74777331 // "tws1"
	segmentVersion uint32 = 1
)

// MinCapacity is the smallest ring size Create accepts.
const MinCapacity = 64

// Segment is a single-producer single-consumer frame ring over a
// memory-mapped file. The creating process writes, the attaching process
// reads; cursors are monotonically increasing byte offsets, the physical
// index is cursor modulo capacity.
type Segment struct {
	path     string
	capacity uint64
	owner    bool

	mu     sync.RWMutex
	closed bool
	data   []byte
	ring   []byte
}

// Create makes a new segment file at path and maps it. The file must not
// already exist; the creator removes it again on Close.
func Create(path string, capacity int) (*Segment, error) {
	if capacity < MinCapacity {
		return nil, fmt.Errorf("%w: %d bytes (minimum %d)", ErrInvalidCapacity, capacity, MinCapacity)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}
	defer f.Close()

	size := segmentHeaderSize + capacity
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("size segment file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("map segment: %w", err)
	}

	s := &Segment{
		path:     path,
		capacity: uint64(capacity),
		owner:    true,
		data:     data,
		ring:     data[segmentHeaderSize:],
	}
	binary.LittleEndian.PutUint32(data[offMagic:], segmentMagic)
	binary.LittleEndian.PutUint32(data[offVersion:], segmentVersion)
	atomic.StoreUint64(s.u64(offCapacity), uint64(capacity))
	return s, nil
}

// Attach maps an existing segment file created by the peer process.
func Attach(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment file: %w", err)
	}
	size := int(info.Size())
	if size < segmentHeaderSize+MinCapacity {
		return nil, fmt.Errorf("%w: file is %d bytes", ErrIncompatibleSegment, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map segment: %w", err)
	}

	s := &Segment{path: path, data: data, ring: data[segmentHeaderSize:]}
	magic := binary.LittleEndian.Uint32(data[offMagic:])
	version := binary.LittleEndian.Uint32(data[offVersion:])
	if magic != segmentMagic || version != segmentVersion {
		unix.Munmap(data)
		return nil, fmt.Errorf("%w: magic %#x version %d", ErrIncompatibleSegment, magic, version)
	}
	s.capacity = atomic.LoadUint64(s.u64(offCapacity))
	if segmentHeaderSize+int(s.capacity) != size {
		unix.Munmap(data)
		return nil, fmt.Errorf("%w: header capacity %d does not match file size %d", ErrIncompatibleSegment, s.capacity, size)
	}
	return s, nil
}

// TryWriteFrame appends one frame without blocking. When the record header
// plus payload does not fit the free space, it fails with no partial write:
// the same call can be retried later unchanged. The returned id is assigned
// in write order starting at zero.
func (s *Segment) TryWriteFrame(dir Direction, payload []byte) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false
	}

	need := uint64(recordHeaderSize + len(payload))
	if need > s.capacity {
		return 0, false
	}
	head := atomic.LoadUint64(s.u64(offWritePos))
	tail := atomic.LoadUint64(s.u64(offReadPos))
	if need > s.capacity-(head-tail) {
		return 0, false
	}

	var hdr [recordHeaderSize]byte
	encodeRecordHeader(&hdr, dir, len(payload), time.Now().UTC())
	s.copyIn(head, hdr[:])
	s.copyIn(head+recordHeaderSize, payload)

	id := atomic.LoadUint64(s.u64(offFramesWritten))
	// The cursor advance is the commit point: the consumer never observes a
	// record before its bytes are fully in place.
	atomic.StoreUint64(s.u64(offWritePos), head+need)
	atomic.StoreUint64(s.u64(offFramesWritten), id+1)
	return id, true
}

// TryReadFrameRecord pops the oldest unread frame. ok is false when the ring
// is empty or the segment is closed; an empty ring is the normal idle state,
// not an error.
func (s *Segment) TryReadFrameRecord() (FrameRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return FrameRecord{}, false
	}

	tail := atomic.LoadUint64(s.u64(offReadPos))
	head := atomic.LoadUint64(s.u64(offWritePos))
	if tail == head {
		return FrameRecord{}, false
	}

	var hdr [recordHeaderSize]byte
	s.copyOut(tail, hdr[:])
	payloadLen, dir, ts := decodeRecordHeader(&hdr)
	if uint64(recordHeaderSize+payloadLen) > s.capacity {
		// The two sides lost agreement on the layout; there is no safe way
		// to resynchronise a corrupt ring.
		panic(fmt.Sprintf("shm: corrupt record length %d at offset %d in %s", payloadLen, tail, s.path))
	}

	payload := make([]byte, payloadLen)
	s.copyOut(tail+recordHeaderSize, payload)

	id := atomic.LoadUint64(s.u64(offFramesRead))
	atomic.StoreUint64(s.u64(offReadPos), tail+uint64(recordHeaderSize+payloadLen))
	atomic.StoreUint64(s.u64(offFramesRead), id+1)
	return FrameRecord{ID: id, Direction: dir, Timestamp: ts, Payload: payload}, true
}

// FreeSpace reports how many bytes the ring can still accept. The value is a
// snapshot; the peer may move its cursor concurrently.
func (s *Segment) FreeSpace() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	head := atomic.LoadUint64(s.u64(offWritePos))
	tail := atomic.LoadUint64(s.u64(offReadPos))
	return int(s.capacity - (head - tail))
}

// UsageRatio reports the used fraction of the ring in [0,1]. Like FreeSpace
// it is a racy snapshot, which is all backpressure decisions need.
func (s *Segment) UsageRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	head := atomic.LoadUint64(s.u64(offWritePos))
	tail := atomic.LoadUint64(s.u64(offReadPos))
	return float64(head-tail) / float64(s.capacity)
}

// Capacity is the ring size in bytes, excluding the segment header.
func (s *Segment) Capacity() int {
	return int(s.capacity)
}

// Path is the backing file location.
func (s *Segment) Path() string {
	return s.path
}

// Descriptor returns the serializable identity of the segment, suitable for
// handing to the peer process over the control channel.
func (s *Segment) Descriptor() Descriptor {
	return Descriptor{
		Name:     filepath.Base(s.path),
		Path:     s.path,
		Capacity: int(s.capacity),
	}
}

// Stats is a point-in-time snapshot of segment counters.
type Stats struct {
	Capacity      int
	Used          int
	FramesWritten uint64
	FramesRead    uint64
}

// Stats returns current segment counters for telemetry and debugging.
func (s *Segment) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{Capacity: int(s.capacity)}
	}
	head := atomic.LoadUint64(s.u64(offWritePos))
	tail := atomic.LoadUint64(s.u64(offReadPos))
	return Stats{
		Capacity:      int(s.capacity),
		Used:          int(head - tail),
		FramesWritten: atomic.LoadUint64(s.u64(offFramesWritten)),
		FramesRead:    atomic.LoadUint64(s.u64(offFramesRead)),
	}
}

// Close unmaps the segment; the creating side also removes the backing file.
// Safe to call more than once and concurrently with readers and writers,
// which fail cleanly once the segment is closed.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	data := s.data
	s.data, s.ring = nil, nil
	err := unix.Munmap(data)
	if s.owner {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	if err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	return nil
}

func (s *Segment) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.data[off]))
}

// copyIn writes b at logical position pos, wrapping at the capacity
// boundary. Record headers may straddle the wrap point like any other bytes.
func (s *Segment) copyIn(pos uint64, b []byte) {
	off := int(pos % s.capacity)
	n := copy(s.ring[off:], b)
	if n < len(b) {
		copy(s.ring, b[n:])
	}
}

// copyOut reads len(b) bytes from logical position pos.
func (s *Segment) copyOut(pos uint64, b []byte) {
	off := int(pos % s.capacity)
	n := copy(b, s.ring[off:])
	if n < len(b) {
		copy(b[n:], s.ring)
	}
}
