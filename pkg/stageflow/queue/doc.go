// Package queue provides the bounded, thread-safe event mailbox that sits
// in front of every stage.
//
// # Admission Control
//
// A Queue does not enforce a capacity by itself. Every enqueue consults the
// queue's Predicate with the current size and the candidate event; the
// predicate alone decides. ThresholdPredicate is the common case, and its
// threshold is what the response-time controller moves:
//
//	pred := queue.NewThresholdPredicate(128)
//	q := queue.New("parse", queue.WithPredicate(pred))
//
//	if !q.EnqueueLossy(evt) {
//	    // overloaded: drop, retry later, or answer "busy"
//	}
//
// Enqueue never blocks on capacity. Backpressure is rejection.
//
// # Consuming
//
// The Source view drains events in FIFO order. Blocking variants wait for
// the first event with an explicit timeout (0 waits forever, negative does
// not wait). Each successful enqueue wakes at most one waiting consumer, so
// idle workers are not stampeded.
//
// # Signals
//
// WithNotify wires a second sink that receives SinkClosed, SinkClogged and
// SinkDrained signals for the queue.
package queue
