// Package eventbus is the in-memory fanout that decouples the dispatch
// engine from its observers (websocket hub, log taps).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Event payloads should be small and JSON-serializable; the websocket hub
// forwards them to browsers as-is.
package eventbus

import (
	"sync"
	"time"
)

// Type names mirror the wire events the progress stream emits.
type Type string

const (
	// Run lifecycle.
	TypeRunStarted  Type = "process_start"
	TypeProgress    Type = "process_progress"
	TypeRunComplete Type = "process_complete"
	TypeRunStopped  Type = "process_stopped"
	TypeRunError    Type = "process_error"

	// Per-row and per-message detail.
	TypeRowStatus     Type = "row_status"
	TypeMessageStatus Type = "message_status"

	// Channel lifecycle (authenticated/ready/disconnected/auth_failure).
	TypeChannelStatus Type = "status"
)

type Event struct {
	Type Type      `json:"event"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// deliver attempts a non-blocking send; returns false if the buffer was full.
func (s *subscriber) deliver(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold the registry lock while sending.
	b.mu.RLock()
	snapshot := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		// Non-blocking delivery; if the subscriber is slow, the event is dropped.
		_ = s.deliver(e)
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
	return sub.ch, unsub
}
