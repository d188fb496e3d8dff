package events

import (
	"log/slog"
	"sync"
)

// DefaultSubscriberBuffer is the per-subscriber live buffer capacity.
const DefaultSubscriberBuffer = 256

// Stream is one session's append-only event log plus its subscriber set.
//
// Append both logs and delivers. Delivery is non-blocking: a subscriber
// whose buffer is full has its oldest buffered event dropped to make room
// for an overflow notice, then its channel is closed. The notice is never
// silent; the producer is never delayed.
//
// All channel sends and closes happen under mu, so a send can never race a
// close. The caller's per-session state lock and mu are distinct locks;
// holding the state lock while calling Append keeps the log in mutation
// order without serializing readers behind delivery.
type Stream struct {
	mu      sync.Mutex
	log     []Event
	subs    map[*Subscriber]struct{}
	closed  bool
	bufSize int
	onCount func(active int)
	logger  *slog.Logger
}

// Subscriber is one attached consumer of a session's events.
type Subscriber struct {
	stream *Stream
	ch     chan Event
	gone   bool // guarded by stream.mu
}

// Events returns the receive channel. It is closed when the session ends,
// the subscriber unsubscribes, or the subscriber overflows.
func (sub *Subscriber) Events() <-chan Event {
	return sub.ch
}

// Close unsubscribes. Safe to call multiple times and after stream close.
func (sub *Subscriber) Close() {
	s := sub.stream
	s.mu.Lock()
	if sub.gone {
		s.mu.Unlock()
		return
	}
	sub.gone = true
	delete(s.subs, sub)
	close(sub.ch)
	n := len(s.subs)
	cb := s.onCount
	closed := s.closed
	s.mu.Unlock()
	if cb != nil && !closed {
		cb(n)
	}
}

// NewStream creates an empty stream. bufSize is the live buffer per
// subscriber; values below 1 use DefaultSubscriberBuffer.
func NewStream(bufSize int, logger *slog.Logger) *Stream {
	if bufSize < 1 {
		bufSize = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		subs:    make(map[*Subscriber]struct{}),
		bufSize: bufSize,
		logger:  logger,
	}
}

// SetSubscriberCallback registers fn to be called with the active
// subscriber count after every subscribe, unsubscribe, and overflow
// disconnect on a live stream. Used for the abort grace period.
func (s *Stream) SetSubscriberCallback(fn func(active int)) {
	s.mu.Lock()
	s.onCount = fn
	s.mu.Unlock()
}

// Append logs the event and delivers it to every subscriber. After Close it
// is a no-op; terminal sessions emit nothing further.
func (s *Stream) Append(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.log = append(s.log, e)

	var dropped []*Subscriber
	for sub := range s.subs {
		select {
		case sub.ch <- e:
		default:
			// Full buffer: make room for the overflow notice, then cut
			// the subscriber loose.
			select {
			case <-sub.ch:
			default:
			}
			notice := New(EventError, ErrorPayload{
				Source: ErrorSourceSystem,
				Error:  "subscriber buffer overflow; disconnected",
			})
			select {
			case sub.ch <- notice:
			default:
			}
			sub.gone = true
			close(sub.ch)
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(s.subs, sub)
	}
	n := len(s.subs)
	cb := s.onCount
	s.mu.Unlock()

	if len(dropped) > 0 {
		s.logger.Warn("Disconnected slow event subscribers", "dropped", len(dropped), "remaining", n)
		if cb != nil {
			cb(n)
		}
	}
}

// Subscribe attaches a new consumer. The returned subscriber's channel
// yields every event logged so far, in order, followed by live events.
// Backlog and live delivery share one lock acquisition, so the sequence is
// gap-free and duplicate-free. Subscribing to a closed stream yields the
// backlog and then the channel closes.
func (s *Stream) Subscribe() *Subscriber {
	s.mu.Lock()
	backlog := s.log
	// Capacity covers the whole backlog plus the live buffer, so replay
	// never blocks and never counts against live headroom.
	sub := &Subscriber{
		stream: s,
		ch:     make(chan Event, len(backlog)+s.bufSize),
	}
	for _, e := range backlog {
		sub.ch <- e
	}
	if s.closed {
		sub.gone = true
		close(sub.ch)
		s.mu.Unlock()
		return sub
	}
	s.subs[sub] = struct{}{}
	n := len(s.subs)
	cb := s.onCount
	s.mu.Unlock()
	if cb != nil {
		cb(n)
	}
	return sub
}

// Close ends the stream: all subscriber channels are closed after draining
// their buffered events, and future Appends are ignored.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for sub := range s.subs {
		sub.gone = true
		close(sub.ch)
	}
	s.subs = make(map[*Subscriber]struct{})
	s.mu.Unlock()
}

// Len returns the number of logged events.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

// Snapshot returns a copy of the event log.
func (s *Stream) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.log))
	copy(out, s.log)
	return out
}

// SubscriberCount returns the number of attached subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
