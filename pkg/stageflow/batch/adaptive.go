package batch

import (
	"sync"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/queue"
)

// AdaptiveConfig tunes an AdaptiveSorter.
type AdaptiveConfig struct {
	// MinBatch and MaxBatch bound the target batch size.
	MinBatch int
	MaxBatch int

	// Smoothing is the EWMA weight given to the previous throughput
	// estimate. Default 0.7.
	Smoothing float64

	// Tolerance is how far below the observed peak throughput may fall,
	// as a fraction, before the target is doubled. Default 0.2.
	Tolerance float64

	// Shrink is the multiplicative factor applied while throughput holds.
	// Default 0.9.
	Shrink float64

	// Now is the clock used to time batches. Default time.Now.
	Now func() time.Time
}

// DefaultAdaptiveConfig returns the defaults used by the runtime's batch
// controller.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MinBatch:  1,
		MaxBatch:  1000,
		Smoothing: 0.7,
		Tolerance: 0.2,
		Shrink:    0.9,
	}
}

func (c AdaptiveConfig) normalized() AdaptiveConfig {
	d := DefaultAdaptiveConfig()
	if c.MinBatch < 1 {
		c.MinBatch = d.MinBatch
	}
	if c.MaxBatch < c.MinBatch {
		c.MaxBatch = max(d.MaxBatch, c.MinBatch)
	}
	if c.Smoothing <= 0 || c.Smoothing >= 1 {
		c.Smoothing = d.Smoothing
	}
	if c.Tolerance <= 0 || c.Tolerance >= 1 {
		c.Tolerance = d.Tolerance
	}
	if c.Shrink <= 0 || c.Shrink >= 1 {
		c.Shrink = d.Shrink
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// AdaptiveSorter caps each batch at a target size derived from measured
// handler throughput. Small batches keep tail latency low; the target grows
// again once shrinking starts to cost throughput.
//
// The target is recomputed once per NextBatch, from the throughput measured
// between the hand-off of earlier batches and their Done calls.
type AdaptiveSorter struct {
	src queue.Source
	cfg AdaptiveConfig

	mu      sync.Mutex
	target  int
	ewma    float64
	peak    float64
	samples int
	fresh   bool
}

// NewAdaptiveSorter creates a throughput-adaptive sorter over src. The
// target starts at MaxBatch.
func NewAdaptiveSorter(src queue.Source, cfg AdaptiveConfig) *AdaptiveSorter {
	cfg = cfg.normalized()
	return &AdaptiveSorter{
		src:    src,
		cfg:    cfg,
		target: cfg.MaxBatch,
	}
}

// Target returns the current target batch size.
func (s *AdaptiveSorter) Target() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Throughput returns the smoothed throughput estimate in events per second.
func (s *AdaptiveSorter) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ewma
}

// NextBatch implements Sorter.
func (s *AdaptiveSorter) NextBatch(timeout time.Duration) *Batch {
	s.mu.Lock()
	target := s.recomputeLocked()
	s.mu.Unlock()

	evts := s.src.BlockingDequeue(timeout, target)
	if len(evts) == 0 {
		return nil
	}
	n := len(evts)
	start := s.cfg.Now()
	return New(evts, func() {
		s.observe(n, s.cfg.Now().Sub(start))
	})
}

func (s *AdaptiveSorter) recomputeLocked() int {
	if !s.fresh {
		return s.target
	}
	s.fresh = false

	if s.ewma < s.peak*(1-s.cfg.Tolerance) {
		s.target = min(s.target*2, s.cfg.MaxBatch)
		s.peak = s.ewma
		return s.target
	}
	next := int(float64(s.target) * s.cfg.Shrink)
	if next == s.target {
		next--
	}
	s.target = max(next, s.cfg.MinBatch)
	return s.target
}

func (s *AdaptiveSorter) observe(n int, elapsed time.Duration) {
	if elapsed <= 0 {
		elapsed = time.Microsecond
	}
	rate := float64(n) / elapsed.Seconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples == 0 {
		s.ewma = rate
	} else {
		s.ewma = s.cfg.Smoothing*s.ewma + (1-s.cfg.Smoothing)*rate
	}
	s.samples++
	s.peak = max(s.peak, s.ewma)
	s.fresh = true
}
