package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tracewire/tracewire-core/internal/shm"
)

// idleBackoff is the sleep ladder walked when rounds come back empty. The
// last entry is the ceiling.
var idleBackoff = []time.Duration{
	1 * time.Millisecond,
	2 * time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
}

const (
	defaultMaxFramesPerSession = 64
	defaultFaultDelay          = 100 * time.Millisecond
)

// Source is the read side of one session's frame transport.
// *shm.Segment satisfies it.
type Source interface {
	TryReadFrameRecord() (shm.FrameRecord, bool)
}

// Sink receives every drained frame record. Implementations must not
// block; a slow sink stalls ingest for all sessions.
type Sink interface {
	HandleFrame(sessionID string, record shm.FrameRecord)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(sessionID string, record shm.FrameRecord)

// HandleFrame calls f.
func (f SinkFunc) HandleFrame(sessionID string, record shm.FrameRecord) {
	f(sessionID, record)
}

// Logger is the minimal logging interface this package needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config tunes the drain loop. Zero values select defaults.
type Config struct {
	// MaxFramesPerSession caps how many records one session may
	// contribute per round.
	MaxFramesPerSession int

	// FaultDelay is the fixed pause after a recovered round fault.
	FaultDelay time.Duration
}

// Loop owns all segment reads and feeds the sink. Create with NewLoop.
type Loop struct {
	cfg    Config
	sink   Sink
	logger Logger

	mu      sync.RWMutex
	sources map[string]Source
	order   []string

	frames atomic.Uint64
	faults atomic.Uint64
}

// Stats is a point-in-time snapshot of loop counters.
type Stats struct {
	Frames   uint64 `json:"frames"`
	Faults   uint64 `json:"faults"`
	Sessions int    `json:"sessions"`
}

// NewLoop creates a drain loop feeding sink.
func NewLoop(sink Sink, cfg Config) *Loop {
	if cfg.MaxFramesPerSession <= 0 {
		cfg.MaxFramesPerSession = defaultMaxFramesPerSession
	}
	if cfg.FaultDelay <= 0 {
		cfg.FaultDelay = defaultFaultDelay
	}
	return &Loop{
		cfg:     cfg,
		sink:    sink,
		logger:  noopLogger{},
		sources: make(map[string]Source),
	}
}

// SetLogger sets the logger for the loop.
func (l *Loop) SetLogger(logger Logger) {
	l.logger = logger
}

// Register adds a session's source to the round. Registering an id again
// replaces its source in place, which is how a grown segment takes over
// mid-session without losing the session's slot in the round order.
func (l *Loop) Register(sessionID string, src Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.sources[sessionID]; !exists {
		l.order = append(l.order, sessionID)
	}
	l.sources[sessionID] = src
}

// Unregister removes a session from the round. Unknown ids are ignored.
func (l *Loop) Unregister(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.sources[sessionID]; !exists {
		return
	}
	delete(l.sources, sessionID)
	for i, id := range l.order {
		if id == sessionID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Sessions reports the ids currently in the round, in round order.
func (l *Loop) Sessions() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Stats reports drained-frame and fault totals.
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	sessions := len(l.order)
	l.mu.RUnlock()
	return Stats{
		Frames:   l.frames.Load(),
		Faults:   l.faults.Load(),
		Sessions: sessions,
	}
}

// Run drains until the context ends. It never returns early: round faults
// are contained, logged and followed by a fixed pause.
func (l *Loop) Run(ctx context.Context) error {
	idle := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		drained, faulted := l.round(ctx)
		l.frames.Add(uint64(drained))

		switch {
		case faulted:
			idle = 0
			if !sleepCtx(ctx, l.cfg.FaultDelay) {
				return ctx.Err()
			}
		case drained > 0:
			idle = 0
		default:
			if !sleepCtx(ctx, idleBackoff[idle]) {
				return ctx.Err()
			}
			if idle < len(idleBackoff)-1 {
				idle++
			}
		}
	}
}

// round visits every registered session once, draining up to the per
// session cap. A panic anywhere in the round is recovered and reported
// as a fault; frames already handed to the sink stay handed over.
func (l *Loop) round(ctx context.Context) (drained int, faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			l.faults.Add(1)
			l.logger.Error("ingest round fault", "panic", r)
			faulted = true
		}
	}()

	for _, sessionID := range l.Sessions() {
		src := l.source(sessionID)
		if src == nil {
			// Unregistered between snapshot and visit.
			continue
		}
		for n := 0; n < l.cfg.MaxFramesPerSession; n++ {
			record, ok := src.TryReadFrameRecord()
			if !ok {
				break
			}
			l.sink.HandleFrame(sessionID, record)
			drained++
		}
		if ctx.Err() != nil {
			return drained, false
		}
	}
	return drained, false
}

func (l *Loop) source(sessionID string) Source {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sources[sessionID]
}

// sleepCtx pauses for d, reporting false when the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
