package host

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tracewire/tracewire-core/internal/hostproto"
)

const (
	defaultEventQueueSize = 256
	eventReconnectDelay   = 250 * time.Millisecond
)

// EventSink queues host events and delivers them to whichever single client
// is connected. Delivery is best-effort: the queue is bounded and overflow
// drops the oldest unread event, because control-channel correctness must
// never wait on event consumers.
type EventSink struct {
	logger Logger

	mu      sync.Mutex
	queue   []hostproto.Event
	max     int
	dropped uint64
	wake    chan struct{}
}

// NewEventSink creates a sink with the given queue bound; zero or negative
// uses the default.
func NewEventSink(queueSize int) *EventSink {
	if queueSize <= 0 {
		queueSize = defaultEventQueueSize
	}
	return &EventSink{
		logger: noopLogger{},
		max:    queueSize,
		wake:   make(chan struct{}, 1),
	}
}

// SetLogger sets the logger for the sink.
func (s *EventSink) SetLogger(logger Logger) {
	s.logger = logger
}

// Publish enqueues one event, evicting the oldest when the queue is full.
// Never blocks.
func (s *EventSink) Publish(event hostproto.Event) {
	s.mu.Lock()
	if len(s.queue) >= s.max {
		s.queue = s.queue[1:]
		s.dropped++
		s.logger.Warn("event queue overflow, oldest dropped", "type", event.Type, "dropped", s.dropped)
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Dropped reports how many events were evicted unread.
func (s *EventSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending reports how many events wait for delivery.
func (s *EventSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Serve accepts one client at a time and streams queued events to it. When
// the client disconnects, the loop pauses briefly and accepts the next one;
// events queued meanwhile stay queued and go to whoever connects, within
// the bounded-queue window.
func (s *EventSink) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("event channel accept failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(eventReconnectDelay):
			}
			continue
		}

		s.logger.Info("event channel connected")
		if err := s.deliver(ctx, conn); err != nil {
			s.logger.Warn("event client lost", "error", err)
		}
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(eventReconnectDelay):
		}
	}
}

// deliver streams events to one client until it breaks or the context ends.
// An event is removed from the queue only after its write succeeded, so a
// half-delivered event is retried on the next connection.
func (s *EventSink) deliver(ctx context.Context, conn net.Conn) error {
	writer := hostproto.NewLineWriter(conn)
	for {
		event, ok := s.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}
		if err := writer.Write(event); err != nil {
			return err
		}
		s.pop()
	}
}

func (s *EventSink) peek() (hostproto.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return hostproto.Event{}, false
	}
	return s.queue[0], true
}

func (s *EventSink) pop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		s.queue = s.queue[1:]
	}
}
