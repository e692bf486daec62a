// Package batch decides how queued events are grouped into the batches
// handed to a stage's handler.
//
// A Sorter owns the consumer side of one stage queue. The scheduler asks it
// for the next batch, runs the handler, then calls Batch.Done. Sorters that
// track in-flight work (session ordering, throughput measurement) do their
// bookkeeping in the Done hook.
package batch

import (
	"sync"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
)

// Batch is the set of events delivered to one HandleEvents call.
type Batch struct {
	Events []event.Event

	once sync.Once
	done func()
}

// New creates a batch. done may be nil.
func New(evts []event.Event, done func()) *Batch {
	return &Batch{Events: evts, done: done}
}

// Len returns the number of events in the batch.
func (b *Batch) Len() int {
	return len(b.Events)
}

// Done releases the batch. Only the first call has any effect.
func (b *Batch) Done() {
	b.once.Do(func() {
		if b.done != nil {
			b.done()
		}
	})
}

// Sorter produces batches from a stage queue.
type Sorter interface {
	// NextBatch returns the next batch, or nil if nothing is ready within
	// timeout. 0 waits forever; a negative timeout never blocks.
	NextBatch(timeout time.Duration) *Batch
}

// Pender is implemented by sorters that hold events outside the queue.
// Schedulers add Pending to the queue size when ranking stages.
type Pender interface {
	Pending() int
}
