package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
)

// Sink is the producer-facing view of a queue.
// None of its methods block.
type Sink interface {
	// Enqueue admits evt or fails with ErrAdmissionRejected or ErrSinkClosed.
	Enqueue(evt event.Event) error

	// EnqueueLossy admits evt and reports whether it was accepted.
	// Producers running on I/O goroutines use this path.
	EnqueueLossy(evt event.Event) bool

	// EnqueueMany admits all of evts or none of them.
	EnqueueMany(evts []event.Event) error

	// Size returns the number of queued events.
	Size() int
}

// Source is the consumer-facing view of a queue.
//
// Timeouts: 0 waits forever, a negative timeout never blocks.
type Source interface {
	// DequeueAll drains everything currently queued, or returns nil.
	DequeueAll() []event.Event

	// Dequeue drains at most max events (all if max <= 0), or returns nil.
	Dequeue(max int) []event.Event

	// BlockingDequeueAll waits up to timeout for at least one event, then
	// drains everything. Returns nil on timeout or when the queue closes empty.
	BlockingDequeueAll(timeout time.Duration) []event.Event

	// BlockingDequeue is BlockingDequeueAll capped at max events.
	BlockingDequeue(timeout time.Duration, max int) []event.Event

	// Size returns the number of queued events.
	Size() int
}

// Stats holds admission counters for a queue.
type Stats struct {
	Accepted int64
	Rejected int64
}

// Queue is a thread-safe FIFO mailbox of events gated by an admission
// predicate. The queue itself enforces no capacity; the predicate does.
type Queue struct {
	name string

	mu      sync.Mutex
	items   []event.Event
	waiters []chan struct{}
	closed  bool

	// mirrors len(items) for lock-free reads by schedulers
	size atomic.Int64

	pred      atomic.Pointer[predicateBox]
	onEnqueue func()
	onReject  func(event.Event)

	notify       Sink
	cloggedAfter int
	rejectRun    int
	clogged      bool

	accepted atomic.Int64
	rejected atomic.Int64
}

type predicateBox struct {
	p Predicate
}

// Option configures a Queue.
type Option func(*Queue)

// WithPredicate sets the initial admission predicate.
func WithPredicate(p Predicate) Option {
	return func(q *Queue) {
		q.SetPredicate(p)
	}
}

// WithEnqueueHook registers fn to run after every successful enqueue,
// outside the queue lock. Shared-pool schedulers use it as their wake signal.
func WithEnqueueHook(fn func()) Option {
	return func(q *Queue) {
		q.onEnqueue = fn
	}
}

// WithRejectHook registers fn to run, outside the queue lock, for every
// event refused by the predicate.
func WithRejectHook(fn func(event.Event)) Option {
	return func(q *Queue) {
		q.onReject = fn
	}
}

// WithNotify sends sink signals (closed, clogged, drained) to sink.
// A SinkClogged signal is sent after cloggedAfter consecutive rejections;
// cloggedAfter <= 0 disables clog detection.
func WithNotify(sink Sink, cloggedAfter int) Option {
	return func(q *Queue) {
		q.notify = sink
		q.cloggedAfter = cloggedAfter
	}
}

// New creates an empty queue. Without a predicate every event is admitted.
func New(name string, opts ...Option) *Queue {
	q := &Queue{name: name}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Compile-time interface checks.
var (
	_ Sink   = (*Queue)(nil)
	_ Source = (*Queue)(nil)
)

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// SetPredicate swaps the admission predicate. A nil predicate admits
// everything. Enqueues already past the predicate are unaffected.
func (q *Queue) SetPredicate(p Predicate) {
	q.pred.Store(&predicateBox{p: p})
}

// Predicate returns the active admission predicate, or nil.
func (q *Queue) Predicate() Predicate {
	if box := q.pred.Load(); box != nil {
		return box.p
	}
	return nil
}

// Size returns the number of queued events.
func (q *Queue) Size() int {
	return int(q.size.Load())
}

// Stats returns admission counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Accepted: q.accepted.Load(),
		Rejected: q.rejected.Load(),
	}
}

// Closed reports whether the consumer end has been closed.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Enqueue implements Sink.
func (q *Queue) Enqueue(evt event.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrSinkClosed
	}
	if !q.admitLocked(len(q.items), evt) {
		signal := q.noteRejectLocked(evt)
		q.mu.Unlock()
		q.afterReject(signal, evt)
		return ErrAdmissionRejected
	}
	wake := q.pushLocked(evt)
	q.mu.Unlock()

	q.afterEnqueue(wake)
	return nil
}

// EnqueueLossy implements Sink. It returns false both on rejection and when
// the sink is closed.
func (q *Queue) EnqueueLossy(evt event.Event) bool {
	return q.Enqueue(evt) == nil
}

// EnqueueMany implements Sink. Every event is checked against the
// predicate, with the size it would see, before any is applied. A Charger
// predicate is charged only after the whole batch passed its checks.
func (q *Queue) EnqueueMany(evts []event.Event) error {
	if len(evts) == 0 {
		return nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrSinkClosed
	}
	if i, ok := q.admitManyLocked(evts); !ok {
		signal := q.noteRejectLocked(evts[i])
		q.rejected.Add(int64(len(evts) - 1))
		q.mu.Unlock()
		q.afterReject(signal, evts...)
		return &BatchRejectedError{Queue: q.name, Index: i, Size: len(evts)}
	}
	var wake []chan struct{}
	for _, evt := range evts {
		wake = append(wake, q.pushLocked(evt)...)
	}
	q.mu.Unlock()

	q.afterEnqueue(wake)
	return nil
}

// DequeueAll implements Source.
func (q *Queue) DequeueAll() []event.Event {
	return q.Dequeue(0)
}

// Dequeue implements Source.
func (q *Queue) Dequeue(max int) []event.Event {
	q.mu.Lock()
	evts, wake, drained := q.takeLocked(max)
	q.mu.Unlock()

	q.finishTake(wake, drained)
	return evts
}

// BlockingDequeueAll implements Source.
func (q *Queue) BlockingDequeueAll(timeout time.Duration) []event.Event {
	return q.BlockingDequeue(timeout, 0)
}

// BlockingDequeue implements Source.
func (q *Queue) BlockingDequeue(timeout time.Duration, max int) []event.Event {
	if timeout < 0 {
		return q.Dequeue(max)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			evts, wake, drained := q.takeLocked(max)
			q.mu.Unlock()
			q.finishTake(wake, drained)
			return evts
		}
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		ch := make(chan struct{}, 1)
		q.waiters = append(q.waiters, ch)
		q.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			q.mu.Lock()
			q.removeWaiterLocked(ch)
			evts, wake, drained := q.takeLocked(max)
			q.mu.Unlock()
			q.finishTake(wake, drained)
			return evts
		}
	}
}

// Close closes the consumer end. Later enqueues fail with ErrSinkClosed,
// waiting consumers are released, and a SinkClosed signal goes to the
// notify sink. Events still queued stay available to DequeueAll.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, ch := range waiters {
		wakeOne(ch)
	}
	q.sendSignal(event.NewSinkClosed(Sink(q)))
}

func (q *Queue) admitLocked(size int, evt event.Event) bool {
	if box := q.pred.Load(); box != nil && box.p != nil {
		return box.p.Accept(size, evt)
	}
	return true
}

// admitManyLocked runs the two admission phases for a batch and returns
// the index of the first refused event.
func (q *Queue) admitManyLocked(evts []event.Event) (int, bool) {
	p := q.Predicate()
	if p == nil {
		return 0, true
	}
	base := len(q.items)
	for i, evt := range evts {
		if !check(p, base+i, evt) {
			return i, false
		}
	}
	if c, ok := p.(Charger); ok {
		return c.Charge(evts)
	}
	return 0, true
}

// pushLocked appends evt and pops one waiter to wake, if any.
func (q *Queue) pushLocked(evt event.Event) []chan struct{} {
	q.items = append(q.items, evt)
	q.size.Store(int64(len(q.items)))
	q.accepted.Add(1)
	q.rejectRun = 0
	return q.popWaiterLocked()
}

func (q *Queue) popWaiterLocked() []chan struct{} {
	if len(q.waiters) == 0 {
		return nil
	}
	ch := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	return []chan struct{}{ch}
}

func (q *Queue) removeWaiterLocked(ch chan struct{}) {
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// takeLocked removes up to max events. If events remain and consumers are
// still waiting, one more is woken so a capped dequeue never strands work.
func (q *Queue) takeLocked(max int) (evts []event.Event, wake []chan struct{}, drained bool) {
	n := len(q.items)
	if n == 0 {
		return nil, nil, false
	}
	if max > 0 && max < n {
		n = max
	}

	evts = make([]event.Event, n)
	copy(evts, q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
		if q.clogged {
			q.clogged = false
			drained = true
		}
	} else {
		wake = q.popWaiterLocked()
	}
	q.size.Store(int64(len(q.items)))
	return evts, wake, drained
}

// noteRejectLocked counts a rejection and returns a clog signal when the
// run of consecutive rejections reaches the configured limit.
func (q *Queue) noteRejectLocked(evt event.Event) event.Event {
	q.rejected.Add(1)
	q.rejectRun++
	if q.notify == nil || q.cloggedAfter <= 0 || q.rejectRun != q.cloggedAfter {
		return nil
	}
	q.clogged = true
	return event.NewSinkClogged(Sink(q), evt, q.rejectRun)
}

func (q *Queue) afterEnqueue(wake []chan struct{}) {
	for _, ch := range wake {
		wakeOne(ch)
	}
	if q.onEnqueue != nil {
		q.onEnqueue()
	}
}

func (q *Queue) afterReject(signal event.Event, evts ...event.Event) {
	q.sendSignal(signal)
	if q.onReject != nil {
		for _, evt := range evts {
			q.onReject(evt)
		}
	}
}

func (q *Queue) finishTake(wake []chan struct{}, drained bool) {
	for _, ch := range wake {
		wakeOne(ch)
	}
	if drained {
		q.sendSignal(event.NewSinkDrained(Sink(q)))
	}
}

func (q *Queue) sendSignal(evt event.Event) {
	if evt == nil || q.notify == nil {
		return
	}
	q.notify.EnqueueLossy(evt)
}

func wakeOne(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
