package queue

import (
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
)

// Predicate decides whether a queue admits an event.
// size is the number of events that will be ahead of the candidate.
// Implementations must be safe for concurrent use and must not block.
type Predicate interface {
	Accept(size int, evt event.Event) bool
}

// PredicateFunc adapts a function to the Predicate interface.
type PredicateFunc func(size int, evt event.Event) bool

// Accept implements Predicate.
func (f PredicateFunc) Accept(size int, evt event.Event) bool {
	return f(size, evt)
}

// ThresholdPredicate admits events while the queue holds fewer than
// Threshold events. A threshold <= 0 admits everything.
//
// The threshold is read on every enqueue and written by controllers, so it
// is stored atomically.
type ThresholdPredicate struct {
	threshold atomic.Int64
}

// NewThresholdPredicate creates a size-threshold predicate.
func NewThresholdPredicate(threshold int) *ThresholdPredicate {
	p := &ThresholdPredicate{}
	p.threshold.Store(int64(threshold))
	return p
}

// Accept implements Predicate.
func (p *ThresholdPredicate) Accept(size int, _ event.Event) bool {
	t := p.threshold.Load()
	if t <= 0 {
		return true
	}
	return int64(size) < t
}

// SetThreshold replaces the threshold. Subsequent enqueues observe it
// immediately.
func (p *ThresholdPredicate) SetThreshold(threshold int) {
	p.threshold.Store(int64(threshold))
}

// Threshold returns the current threshold.
func (p *ThresholdPredicate) Threshold() int {
	return int(p.threshold.Load())
}

// Charger is a Predicate whose acceptance consumes budget. Queues admitting
// a batch check every event with Check, which must not consume anything,
// and only then Charge the batch. Accept on a Charger both checks and
// charges a single event.
type Charger interface {
	Predicate

	// Check reports whether evt passes the non-consuming part of the
	// predicate.
	Check(size int, evt event.Event) bool

	// Charge consumes budget for every event in evts or for none of them.
	// On refusal it returns the index of the first event that did not fit.
	Charge(evts []event.Event) (rejected int, ok bool)

	// Refund returns budget taken by a successful Charge of evts.
	Refund(evts []event.Event)
}

// RateLimitPredicate admits events while their category stays within a set
// of sliding-window rates. Admitted events are charged against the window;
// rejected ones are not.
//
// The limiter cannot give budget back, so a refunded event becomes a credit
// for its category, spent by the next admission in place of a limiter
// charge. Credits expire after the shortest window.
type RateLimitPredicate struct {
	limiter  *catrate.Limiter
	category func(event.Event) any
	expiry   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	credits map[any]rateCredit
}

type rateCredit struct {
	n     int
	until time.Time
}

var _ Charger = (*RateLimitPredicate)(nil)

// NewRateLimitPredicate creates a rate-limiting predicate.
//
// rates maps window durations to the maximum number of events allowed in
// that window, e.g. {time.Second: 100, time.Minute: 3000}. Shorter windows
// must allow at least as many events as longer ones. category groups events
// that share a budget; nil puts every event in one category.
//
// Panics if rates are invalid.
func NewRateLimitPredicate(rates map[time.Duration]int, category func(event.Event) any) *RateLimitPredicate {
	if category == nil {
		category = func(event.Event) any { return struct{}{} }
	}
	var expiry time.Duration
	for d := range rates {
		if expiry == 0 || d < expiry {
			expiry = d
		}
	}
	return &RateLimitPredicate{
		limiter:  catrate.NewLimiter(rates),
		category: category,
		expiry:   expiry,
		now:      time.Now,
		credits:  make(map[any]rateCredit),
	}
}

// ByEventType groups events by their type for rate limiting.
func ByEventType(evt event.Event) any {
	return evt.Type()
}

// Accept implements Predicate.
func (p *RateLimitPredicate) Accept(_ int, evt event.Event) bool {
	_, ok := p.Charge([]event.Event{evt})
	return ok
}

// Check implements Charger. Budget is only known by charging, so every
// event passes.
func (p *RateLimitPredicate) Check(int, event.Event) bool {
	return true
}

// Charge implements Charger.
func (p *RateLimitPredicate) Charge(evts []event.Event) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var charged []event.Event
	var spent []any
	restore := func() {
		for _, cat := range spent {
			c := p.credits[cat]
			c.n++
			p.credits[cat] = c
		}
		p.refundLocked(charged, now)
	}
	for i, evt := range evts {
		cat := p.category(evt)
		if p.takeCreditLocked(cat, now) {
			spent = append(spent, cat)
			continue
		}
		if _, ok := p.limiter.Allow(cat); !ok {
			restore()
			return i, false
		}
		charged = append(charged, evt)
	}
	return 0, true
}

// Refund implements Charger.
func (p *RateLimitPredicate) Refund(evts []event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refundLocked(evts, p.now())
}

func (p *RateLimitPredicate) takeCreditLocked(cat any, now time.Time) bool {
	c, ok := p.credits[cat]
	if !ok {
		return false
	}
	if !now.Before(c.until) {
		delete(p.credits, cat)
		return false
	}
	if c.n == 0 {
		return false
	}
	c.n--
	p.credits[cat] = c
	return true
}

// refundLocked credits evts back. A category's credits share the expiry of
// the oldest live refund, never a later one.
func (p *RateLimitPredicate) refundLocked(evts []event.Event, now time.Time) {
	if len(evts) == 0 {
		return
	}
	for cat, c := range p.credits {
		if c.n == 0 || !now.Before(c.until) {
			delete(p.credits, cat)
		}
	}
	for _, evt := range evts {
		cat := p.category(evt)
		c, ok := p.credits[cat]
		if !ok || c.n == 0 {
			c.until = now.Add(p.expiry)
		}
		c.n++
		p.credits[cat] = c
	}
}

// All combines predicates; an event is admitted only if every predicate
// accepts it. Every predicate is checked before any Charger is charged, so
// a rejection never consumes budget. Checks run in order and stop at the
// first rejection.
func All(preds ...Predicate) Predicate {
	filtered := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	return &allPredicate{preds: filtered}
}

type allPredicate struct {
	preds []Predicate
}

var _ Charger = (*allPredicate)(nil)

func (a *allPredicate) Accept(size int, evt event.Event) bool {
	if !a.Check(size, evt) {
		return false
	}
	_, ok := a.Charge([]event.Event{evt})
	return ok
}

func (a *allPredicate) Check(size int, evt event.Event) bool {
	for _, p := range a.preds {
		if !check(p, size, evt) {
			return false
		}
	}
	return true
}

func (a *allPredicate) Charge(evts []event.Event) (int, bool) {
	for i, p := range a.preds {
		c, ok := p.(Charger)
		if !ok {
			continue
		}
		if at, ok := c.Charge(evts); !ok {
			for _, prev := range a.preds[:i] {
				if pc, ok := prev.(Charger); ok {
					pc.Refund(evts)
				}
			}
			return at, false
		}
	}
	return 0, true
}

func (a *allPredicate) Refund(evts []event.Event) {
	for _, p := range a.preds {
		if c, ok := p.(Charger); ok {
			c.Refund(evts)
		}
	}
}

// check runs the non-consuming part of p.
func check(p Predicate, size int, evt event.Event) bool {
	if c, ok := p.(Charger); ok {
		return c.Check(size, evt)
	}
	return p.Accept(size, evt)
}
