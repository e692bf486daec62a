package stats_test

import (
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/stats"
	"github.com/stretchr/testify/assert"
)

func TestStats_Empty(t *testing.T) {
	s := stats.New(0)

	assert.Zero(t, s.Throughput())
	assert.Zero(t, s.MeanServiceTime())
	assert.Zero(t, s.Get90thRT())

	snap := s.Snapshot()
	assert.Zero(t, snap.TotalEvents)
	assert.Zero(t, snap.RTSamples)
}

func TestStats_ServiceRate(t *testing.T) {
	s := stats.New(10)
	s.RecordServiceRate(100, time.Second)
	s.RecordServiceRate(100, time.Second)
	s.RecordServiceRate(0, time.Hour) // ignored

	assert.InDelta(t, 100.0, s.Throughput(), 0.001)
	assert.Equal(t, 10*time.Millisecond, s.MeanServiceTime())

	snap := s.Snapshot()
	assert.Equal(t, int64(200), snap.TotalEvents)
	assert.Equal(t, int64(2), snap.TotalBatches)
}

func TestStats_WindowIsBounded(t *testing.T) {
	s := stats.New(3)
	s.RecordServiceRate(1, time.Second) // falls off
	for i := 0; i < 3; i++ {
		s.RecordServiceRate(10, time.Second)
	}
	assert.InDelta(t, 10.0, s.Throughput(), 0.001)
	assert.Equal(t, int64(31), s.Snapshot().TotalEvents, "totals are lifetime")
}

func TestStats_Percentile(t *testing.T) {
	s := stats.New(100)
	for i := 1; i <= 100; i++ {
		s.RecordResponseTime(time.Duration(i) * time.Millisecond)
	}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0, 1 * time.Millisecond},
		{50, 50 * time.Millisecond},
		{90, 90 * time.Millisecond},
		{99, 99 * time.Millisecond},
		{100, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Percentile(tt.p), "p%.0f", tt.p)
	}
	assert.Equal(t, 90*time.Millisecond, s.Get90thRT())
}

func TestStats_PercentileSlidesWithWindow(t *testing.T) {
	s := stats.New(5)
	for i := 0; i < 5; i++ {
		s.RecordResponseTime(time.Second)
	}
	for i := 0; i < 5; i++ {
		s.RecordResponseTime(time.Millisecond)
	}
	assert.Equal(t, time.Millisecond, s.Get90thRT())
}

func TestStats_Reset(t *testing.T) {
	s := stats.New(10)
	s.RecordServiceRate(5, time.Second)
	s.RecordResponseTime(time.Second)

	s.Reset()

	assert.Zero(t, s.Throughput())
	assert.Zero(t, s.Get90thRT())
	assert.Equal(t, int64(5), s.Snapshot().TotalEvents)
}

func TestStats_Concurrent(t *testing.T) {
	s := stats.New(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.RecordServiceRate(1, time.Millisecond)
				s.RecordResponseTime(time.Millisecond)
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(4000), s.Snapshot().TotalEvents)
	assert.Equal(t, time.Millisecond, s.Get90thRT())
}
