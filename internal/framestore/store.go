package framestore

import (
	"sort"
	"sync"
	"time"

	"github.com/tracewire/tracewire-core/internal/shm"
)

const defaultWindow = 512

// SessionStats summarizes one session's traffic.
type SessionStats struct {
	Frames      uint64    `json:"frames"`
	Bytes       uint64    `json:"bytes"`
	Buffered    int       `json:"buffered"`
	LastFrameAt time.Time `json:"lastFrameAt"`
}

// Totals aggregates across all sessions, including ones already dropped.
type Totals struct {
	Frames   uint64 `json:"frames"`
	Bytes    uint64 `json:"bytes"`
	Sessions int    `json:"sessions"`
}

// Store holds the most recent frames per session. All methods are safe
// for concurrent use; the ingest loop appends while API handlers read.
type Store struct {
	mu       sync.RWMutex
	window   int
	sessions map[string]*ring

	totalFrames uint64
	totalBytes  uint64
}

// ring is a fixed-size circular buffer of records with per-session totals.
type ring struct {
	records []shm.FrameRecord
	head    int
	n       int

	frames uint64
	bytes  uint64
	last   time.Time
}

func (r *ring) append(record shm.FrameRecord) {
	if r.n < len(r.records) {
		r.records[(r.head+r.n)%len(r.records)] = record
		r.n++
	} else {
		r.records[r.head] = record
		r.head = (r.head + 1) % len(r.records)
	}
	r.frames++
	r.bytes += uint64(len(record.Payload))
	r.last = record.Timestamp
}

// recent returns the newest limit records in chronological order.
func (r *ring) recent(limit int) []shm.FrameRecord {
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]shm.FrameRecord, 0, limit)
	start := r.n - limit
	for i := start; i < r.n; i++ {
		out = append(out, r.records[(r.head+i)%len(r.records)])
	}
	return out
}

// New creates a store keeping up to window records per session; zero or
// negative selects the default.
func New(window int) *Store {
	if window <= 0 {
		window = defaultWindow
	}
	return &Store{
		window:   window,
		sessions: make(map[string]*ring),
	}
}

// HandleFrame appends one record to the session's window, creating the
// window on first sight of the session.
func (s *Store) HandleFrame(sessionID string, record shm.FrameRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		r = &ring{records: make([]shm.FrameRecord, s.window)}
		s.sessions[sessionID] = r
	}
	r.append(record)
	s.totalFrames++
	s.totalBytes += uint64(len(record.Payload))
}

// Recent returns the newest limit records for the session in
// chronological order. Unknown sessions yield nil; limit <= 0 returns
// the whole window.
func (s *Store) Recent(sessionID string, limit int) []shm.FrameRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return r.recent(limit)
}

// SessionStats reports one session's totals. The second return is false
// for sessions the store has never seen.
func (s *Store) SessionStats(sessionID string) (SessionStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return SessionStats{}, false
	}
	return SessionStats{
		Frames:      r.frames,
		Bytes:       r.bytes,
		Buffered:    r.n,
		LastFrameAt: r.last,
	}, true
}

// Sessions lists known session ids, sorted.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Totals reports aggregate counters. Frames and bytes survive Drop so
// the workspace's lifetime numbers stay accurate.
func (s *Store) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Totals{
		Frames:   s.totalFrames,
		Bytes:    s.totalBytes,
		Sessions: len(s.sessions),
	}
}

// Drop discards a session's window, typically when the session ends.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
