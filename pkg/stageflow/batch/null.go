package batch

import (
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/queue"
)

// NullSorter hands over everything queued as one batch. Done is a no-op.
type NullSorter struct {
	src queue.Source
}

// NewNullSorter creates a greedy sorter over src.
func NewNullSorter(src queue.Source) *NullSorter {
	return &NullSorter{src: src}
}

// NextBatch implements Sorter.
func (s *NullSorter) NextBatch(timeout time.Duration) *Batch {
	evts := s.src.BlockingDequeueAll(timeout)
	if len(evts) == 0 {
		return nil
	}
	return New(evts, nil)
}
