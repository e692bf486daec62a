package batch

import (
	"sync"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
	"github.com/randalmurphal/stageflow/pkg/stageflow/queue"
)

// DefaultHeldPoll bounds how long NextBatch blocks on the queue while
// events are held back, so released sessions are picked up promptly.
const DefaultHeldPoll = 10 * time.Millisecond

// SessionKeyFunc maps an event to its session. An empty key means the
// event is unordered and is never held back.
type SessionKeyFunc func(event.Event) string

// KeyFromEvent uses event.SessionKeyer when the event implements it.
func KeyFromEvent(evt event.Event) string {
	if k, ok := evt.(event.SessionKeyer); ok {
		return k.SessionKey()
	}
	return ""
}

// SessionSorter never lets two in-flight batches carry events of the same
// session. A batch takes a ticket for every session it contains; events for
// a ticketed session are held back, in arrival order, until that batch's
// Done returns the ticket.
//
// Within a session, events are delivered in queue order. Across sessions,
// held events may be delivered after later unrelated ones.
type SessionSorter struct {
	src  queue.Source
	key  SessionKeyFunc
	max  int
	poll time.Duration

	// fetch serializes dequeue-and-sort so events of one session are
	// classified in queue order.
	fetch sync.Mutex

	mu      sync.Mutex
	held    []event.Event
	tickets map[string]struct{}
}

// SessionOption configures a SessionSorter.
type SessionOption func(*SessionSorter)

// WithSessionKey overrides how events map to sessions.
func WithSessionKey(fn SessionKeyFunc) SessionOption {
	return func(s *SessionSorter) {
		s.key = fn
	}
}

// WithMaxBatch caps the number of events taken from the queue per batch.
func WithMaxBatch(n int) SessionOption {
	return func(s *SessionSorter) {
		s.max = n
	}
}

// WithHeldPoll sets the blocking slice used while events are held.
func WithHeldPoll(d time.Duration) SessionOption {
	return func(s *SessionSorter) {
		s.poll = d
	}
}

// NewSessionSorter creates a session-ordered sorter over src.
func NewSessionSorter(src queue.Source, opts ...SessionOption) *SessionSorter {
	s := &SessionSorter{
		src:     src,
		key:     KeyFromEvent,
		poll:    DefaultHeldPoll,
		tickets: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pending implements Pender.
func (s *SessionSorter) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// Ticketed reports whether session currently has a batch in flight.
func (s *SessionSorter) Ticketed(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tickets[session]
	return ok
}

// NextBatch implements Sorter. Concurrent callers take turns; with a
// negative timeout a caller that would have to wait for its turn returns nil.
func (s *SessionSorter) NextBatch(timeout time.Duration) *Batch {
	if timeout < 0 {
		if !s.fetch.TryLock() {
			return nil
		}
	} else {
		s.fetch.Lock()
	}
	defer s.fetch.Unlock()

	s.mu.Lock()
	releasable := false
	for _, evt := range s.held {
		if _, busy := s.tickets[s.key(evt)]; !busy {
			releasable = true
			break
		}
	}
	holding := len(s.held) > 0
	s.mu.Unlock()

	var evts []event.Event
	switch {
	case releasable || timeout < 0:
		evts = s.src.Dequeue(s.max)
	case holding && (timeout == 0 || timeout > s.poll):
		evts = s.src.BlockingDequeue(s.poll, s.max)
	default:
		evts = s.src.BlockingDequeue(timeout, s.max)
	}

	s.mu.Lock()
	candidates := append(s.held, evts...)
	s.held = nil
	var ready []event.Event
	taken := make(map[string]struct{})
	for _, evt := range candidates {
		k := s.key(evt)
		if k == "" {
			ready = append(ready, evt)
			continue
		}
		if _, mine := taken[k]; !mine {
			if _, busy := s.tickets[k]; busy {
				s.held = append(s.held, evt)
				continue
			}
			taken[k] = struct{}{}
			s.tickets[k] = struct{}{}
		}
		ready = append(ready, evt)
	}
	s.mu.Unlock()

	if len(ready) == 0 {
		return nil
	}
	return New(ready, func() {
		s.mu.Lock()
		for k := range taken {
			delete(s.tickets, k)
		}
		s.mu.Unlock()
	})
}
