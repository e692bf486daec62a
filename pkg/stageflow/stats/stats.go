// Package stats keeps rolling service-rate and response-time statistics for
// a stage. Every window is bounded; old samples fall off as new ones arrive.
package stats

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow is the number of samples each ring keeps.
const DefaultWindow = 1000

type rateSample struct {
	count   int
	elapsed time.Duration
}

// Stats gathers per-stage statistics. It is safe for concurrent use; workers
// record, controllers and diagnostics read.
type Stats struct {
	mu sync.Mutex

	rates    []rateSample
	rateNext int
	rateFull bool

	rts    []time.Duration
	rtNext int
	rtFull bool

	totalEvents  atomic.Int64
	totalBatches atomic.Int64
}

// Snapshot is a point-in-time view of a Stats.
type Snapshot struct {
	TotalEvents     int64
	TotalBatches    int64
	Throughput      float64 // events per second over the window
	MeanServiceTime time.Duration
	P90             time.Duration
	RTSamples       int
}

// New creates a Stats keeping window samples per ring.
// window <= 0 uses DefaultWindow.
func New(window int) *Stats {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Stats{
		rates: make([]rateSample, window),
		rts:   make([]time.Duration, window),
	}
}

// RecordServiceRate records that count events were handled in elapsed.
// Non-positive counts are ignored.
func (s *Stats) RecordServiceRate(count int, elapsed time.Duration) {
	if count <= 0 {
		return
	}
	s.totalEvents.Add(int64(count))
	s.totalBatches.Add(1)

	s.mu.Lock()
	s.rates[s.rateNext] = rateSample{count: count, elapsed: elapsed}
	s.rateNext++
	if s.rateNext == len(s.rates) {
		s.rateNext = 0
		s.rateFull = true
	}
	s.mu.Unlock()
}

// RecordResponseTime records the response time of a single event.
func (s *Stats) RecordResponseTime(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.rts[s.rtNext] = d
	s.rtNext++
	if s.rtNext == len(s.rts) {
		s.rtNext = 0
		s.rtFull = true
	}
	s.mu.Unlock()
}

func (s *Stats) rateWindowLocked() []rateSample {
	if s.rateFull {
		return s.rates
	}
	return s.rates[:s.rateNext]
}

func (s *Stats) rtWindowLocked() []time.Duration {
	if s.rtFull {
		return s.rts
	}
	return s.rts[:s.rtNext]
}

// Throughput returns events per second over the service-rate window, or 0
// when nothing has been recorded.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return throughputOf(s.rateWindowLocked())
}

func throughputOf(samples []rateSample) float64 {
	var count int
	var elapsed time.Duration
	for _, r := range samples {
		count += r.count
		elapsed += r.elapsed
	}
	if count == 0 {
		return 0
	}
	if elapsed <= 0 {
		return math.Inf(1)
	}
	return float64(count) / elapsed.Seconds()
}

// MeanServiceTime returns the mean per-event service time over the window.
func (s *Stats) MeanServiceTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return meanServiceOf(s.rateWindowLocked())
}

func meanServiceOf(samples []rateSample) time.Duration {
	var count int
	var elapsed time.Duration
	for _, r := range samples {
		count += r.count
		elapsed += r.elapsed
	}
	if count == 0 {
		return 0
	}
	return elapsed / time.Duration(count)
}

// Percentile returns the p-th percentile (0 < p <= 100) of recorded
// response times using the nearest-rank method. Returns 0 with no samples.
func (s *Stats) Percentile(p float64) time.Duration {
	s.mu.Lock()
	sorted := append([]time.Duration(nil), s.rtWindowLocked()...)
	s.mu.Unlock()
	return percentileOf(sorted, p)
}

func percentileOf(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	switch {
	case p <= 0:
		return samples[0]
	case p >= 100:
		return samples[len(samples)-1]
	}
	rank := int(math.Ceil(p / 100 * float64(len(samples))))
	return samples[rank-1]
}

// Get90thRT returns the 90th percentile response time.
func (s *Stats) Get90thRT() time.Duration {
	return s.Percentile(90)
}

// Snapshot returns a consistent view of the current window.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	rates := s.rateWindowLocked()
	rts := append([]time.Duration(nil), s.rtWindowLocked()...)
	snap := Snapshot{
		Throughput:      throughputOf(rates),
		MeanServiceTime: meanServiceOf(rates),
		RTSamples:       len(rts),
	}
	s.mu.Unlock()

	snap.TotalEvents = s.totalEvents.Load()
	snap.TotalBatches = s.totalBatches.Load()
	snap.P90 = percentileOf(rts, 90)
	return snap
}

// Reset clears the windows. Lifetime totals are kept.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.rates)
	clear(s.rts)
	s.rateNext, s.rtNext = 0, 0
	s.rateFull, s.rtFull = false, false
}
