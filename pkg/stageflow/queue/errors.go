package queue

import (
	"errors"
	"fmt"
)

// Sentinel errors for enqueue operations.
var (
	// ErrAdmissionRejected indicates the queue's admission predicate declined
	// the event. It is expected under load and never retried by the runtime.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrSinkClosed indicates the consumer end of the queue has gone away.
	ErrSinkClosed = errors.New("sink closed")
)

// BatchRejectedError reports which event caused EnqueueMany to reject the
// whole batch. None of the batch was applied.
type BatchRejectedError struct {
	// Queue is the name of the rejecting queue.
	Queue string
	// Index is the position in the batch of the first rejected event.
	Index int
	// Size is the length of the rejected batch.
	Size int
}

// Error implements the error interface.
func (e *BatchRejectedError) Error() string {
	return fmt.Sprintf("queue %s: batch of %d rejected at event %d", e.Queue, e.Size, e.Index)
}

// Unwrap returns ErrAdmissionRejected for errors.Is support.
func (e *BatchRejectedError) Unwrap() error {
	return ErrAdmissionRejected
}
