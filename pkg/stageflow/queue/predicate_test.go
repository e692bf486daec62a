package queue_test

import (
	"testing"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
	"github.com/randalmurphal/stageflow/pkg/stageflow/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitPredicate(t *testing.T) {
	p := queue.NewRateLimitPredicate(map[time.Duration]int{time.Hour: 3}, nil)

	var got []bool
	for i := 0; i < 5; i++ {
		got = append(got, p.Accept(0, event.NewAny("x", i)))
	}
	assert.Equal(t, []bool{true, true, true, false, false}, got)
}

func TestRateLimitPredicateByType(t *testing.T) {
	p := queue.NewRateLimitPredicate(map[time.Duration]int{time.Hour: 1}, queue.ByEventType)

	assert.True(t, p.Accept(0, event.NewAny("a", nil)))
	assert.False(t, p.Accept(0, event.NewAny("a", nil)))
	assert.True(t, p.Accept(0, event.NewAny("b", nil)), "separate budget per type")
}

func TestRateLimitPredicateOnQueue(t *testing.T) {
	q := queue.New("q", queue.WithPredicate(
		queue.NewRateLimitPredicate(map[time.Duration]int{time.Hour: 2}, nil),
	))
	assert.True(t, q.EnqueueLossy(event.NewAny("x", 1)))
	assert.True(t, q.EnqueueLossy(event.NewAny("x", 2)))
	assert.False(t, q.EnqueueLossy(event.NewAny("x", 3)))
	assert.Equal(t, 2, q.Size())
}

func TestAll(t *testing.T) {
	var rateCalls int
	counting := queue.PredicateFunc(func(int, event.Event) bool {
		rateCalls++
		return true
	})

	p := queue.All(queue.NewThresholdPredicate(2), nil, counting)

	assert.True(t, p.Accept(0, nil))
	assert.True(t, p.Accept(1, nil))
	assert.False(t, p.Accept(2, nil))
	assert.Equal(t, 2, rateCalls, "later predicates skipped after a rejection")
}

func TestAllEmpty(t *testing.T) {
	assert.True(t, queue.All().Accept(1000, nil))
}

func batchOf(n int) []event.Event {
	evts := make([]event.Event, n)
	for i := range evts {
		evts[i] = event.NewAny("x", i)
	}
	return evts
}

func TestEnqueueManyThresholdRejectionKeepsRateBudget(t *testing.T) {
	q := queue.New("q", queue.WithPredicate(queue.All(
		queue.NewThresholdPredicate(3),
		queue.NewRateLimitPredicate(map[time.Duration]int{time.Minute: 3}, nil),
	)))

	err := q.EnqueueMany(batchOf(4))
	var rejected *queue.BatchRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 3, rejected.Index)
	assert.Zero(t, q.Size())

	for i := 0; i < 3; i++ {
		assert.True(t, q.EnqueueLossy(event.NewAny("x", i)), "event %d", i)
	}
	assert.Equal(t, 3, q.Size())
}

func TestEnqueueManyRateRejectionIsRefunded(t *testing.T) {
	q := queue.New("q", queue.WithPredicate(
		queue.NewRateLimitPredicate(map[time.Duration]int{time.Hour: 2}, nil),
	))

	err := q.EnqueueMany(batchOf(3))
	var rejected *queue.BatchRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 2, rejected.Index)
	assert.Zero(t, q.Size())

	require.NoError(t, q.EnqueueMany(batchOf(2)))
	assert.False(t, q.EnqueueLossy(event.NewAny("x", 3)))
	assert.Equal(t, 2, q.Size())
}

func TestEnqueueManyRefundAcrossRepeatedRejections(t *testing.T) {
	q := queue.New("q", queue.WithPredicate(
		queue.NewRateLimitPredicate(map[time.Duration]int{time.Hour: 2}, nil),
	))

	for i := 0; i < 3; i++ {
		assert.Error(t, q.EnqueueMany(batchOf(3)), "attempt %d", i)
	}
	assert.True(t, q.EnqueueLossy(event.NewAny("x", 0)))
	assert.True(t, q.EnqueueLossy(event.NewAny("x", 1)))
	assert.False(t, q.EnqueueLossy(event.NewAny("x", 2)))
}

func TestAllChecksBeforeCharging(t *testing.T) {
	refuse := true
	p := queue.All(
		queue.NewRateLimitPredicate(map[time.Duration]int{time.Hour: 1}, nil),
		queue.PredicateFunc(func(int, event.Event) bool { return !refuse }),
	)

	assert.False(t, p.Accept(0, event.NewAny("x", 1)))
	refuse = false
	assert.True(t, p.Accept(0, event.NewAny("x", 2)), "earlier rejection consumed no budget")
	assert.False(t, p.Accept(0, event.NewAny("x", 3)))
}

func TestAllRefundsEarlierChargers(t *testing.T) {
	first := queue.NewRateLimitPredicate(map[time.Duration]int{time.Hour: 2}, nil)
	second := queue.NewRateLimitPredicate(map[time.Duration]int{time.Hour: 1}, nil)
	p := queue.All(first, second).(queue.Charger)

	at, ok := p.Charge(batchOf(2))
	assert.False(t, ok)
	assert.Equal(t, 1, at)

	_, ok = first.Charge(batchOf(2))
	assert.True(t, ok, "first limiter kept its budget")
}
