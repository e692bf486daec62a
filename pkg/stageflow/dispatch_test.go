package stageflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/randalmurphal/stageflow/pkg/stageflow/batch"
	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
	"github.com/randalmurphal/stageflow/pkg/stageflow/queue"
)

func TestDispatch_FaultRecovery(t *testing.T) {
	for _, manager := range []string{ThreadPoolPerStage, ThreadPerProcessor} {
		t.Run(manager, func(t *testing.T) {
			exited := atomic.Int32{}
			r := newTestRuntime(t, map[string]any{
				"global": map[string]any{
					"threadManager": manager,
					"threadPool":    fastPool(map[string]any{"maxThreads": 1}),
					"tpp":           map[string]any{"numCPUs": 1},
				},
			}, WithExitFunc(func(int) { exited.Add(1) }))

			h := &recordingHandler{}
			h.onBatch = func(evts []event.Event) error {
				switch evts[0].Data() {
				case 1:
					return errors.New("bad input")
				case 2:
					panic("corrupted")
				}
				return nil
			}
			st, err := r.AddStage("flaky", h)
			require.NoError(t, err)
			require.NoError(t, r.Start(context.Background()))

			// One event per batch so each outcome is separate.
			for i := 1; i <= 3; i++ {
				require.NoError(t, st.Sink().Enqueue(testEvent(i)))
				require.Eventually(t, func() bool { return h.batches.Load() == int64(i) },
					2*time.Second, time.Millisecond)
			}

			require.Eventually(t, func() bool { return r.Faults().Total() == 2 }, time.Second, time.Millisecond)
			faults := r.Faults().ByStage("flaky")
			require.Len(t, faults, 2)

			assert.False(t, faults[0].Panicked())
			assert.ErrorIs(t, faults[0], ErrHandlerFault)
			assert.EqualError(t, faults[0].Err, "bad input")

			assert.True(t, faults[1].Panicked())
			assert.Equal(t, "corrupted", faults[1].Value)
			assert.NotEmpty(t, faults[1].Stack)
			assert.Contains(t, faults[1].Error(), "panicked")

			assert.Equal(t, int32(0), exited.Load(), "not fail-fast")
			require.Eventually(t, func() bool { return st.Stats().Snapshot().TotalEvents == 3 },
				time.Second, time.Millisecond)
		})
	}
}

func TestDispatch_FailFast(t *testing.T) {
	exitCode := make(chan int, 1)
	r := newTestRuntime(t, map[string]any{
		"global": map[string]any{
			"crashOnException": true,
			"threadPool":       fastPool(nil),
		},
	}, WithExitFunc(func(code int) {
		select {
		case exitCode <- code:
		default:
		}
	}))

	st, err := r.AddStage("fatal", HandlerFunc(func([]event.Event) error {
		panic("state corrupted")
	}))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, st.Sink().Enqueue(testEvent(1)))

	select {
	case code := <-exitCode:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("exit not called")
	}
}

// probeSorter checks that Done runs once per batch and only after the
// handler returned.
type probeSorter struct {
	src      queue.Source
	handling *atomic.Bool
	batches  atomic.Int32
	done     atomic.Int32
	early    atomic.Bool
}

func (s *probeSorter) NextBatch(timeout time.Duration) *batch.Batch {
	evts := s.src.BlockingDequeue(timeout, 1)
	if len(evts) == 0 {
		return nil
	}
	s.batches.Add(1)
	return batch.New(evts, func() {
		if s.handling.Load() {
			s.early.Store(true)
		}
		s.done.Add(1)
	})
}

func TestDispatch_DoneAfterHandler(t *testing.T) {
	r := newTestRuntime(t, map[string]any{
		"global": map[string]any{"threadPool": fastPool(map[string]any{"maxThreads": 1})},
	})

	var handling atomic.Bool
	probe := &probeSorter{handling: &handling}
	st, err := r.AddStage("probe", HandlerFunc(func(evts []event.Event) error {
		handling.Store(true)
		defer handling.Store(false)
		time.Sleep(time.Millisecond)
		if evts[0].Data().(int)%3 == 0 {
			panic("every third")
		}
		return nil
	}), WithSorter(func(src queue.Source) batch.Sorter {
		probe.src = src
		return probe
	}))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, st.Sink().Enqueue(testEvent(i)))
	}
	require.Eventually(t, func() bool { return probe.done.Load() == 20 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, probe.batches.Load(), probe.done.Load())
	assert.False(t, probe.early.Load(), "done ran while the handler was running")
}

// fakeMetrics counts recorder calls.
type fakeMetrics struct {
	observability.NoopMetrics

	mu         sync.Mutex
	events     int
	faults     int
	rejections int
	live       map[string]int
	thresholds []int
}

func (m *fakeMetrics) RecordBatch(_ context.Context, _ string, events int, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events += events
	if err != nil {
		m.faults++
	}
}

func (m *fakeMetrics) RecordRejection(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections++
}

func (m *fakeMetrics) RecordLiveThreads(_ context.Context, stage string, live int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil {
		m.live = make(map[string]int)
	}
	m.live[stage] = live
}

func (m *fakeMetrics) RecordThreshold(_ context.Context, _ string, threshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = append(m.thresholds, threshold)
}

func (m *fakeMetrics) snapshot() (events, faults, rejections int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events, m.faults, m.rejections
}

func TestDispatch_Metrics(t *testing.T) {
	metrics := &fakeMetrics{}
	r := newTestRuntime(t, map[string]any{
		"global": map[string]any{"threadPool": fastPool(map[string]any{"initialThreads": 2, "maxThreads": 2})},
	}, WithMetrics(metrics))

	gate := make(chan struct{})
	st, err := r.AddStage("m", HandlerFunc(func(evts []event.Event) error {
		<-gate
		if evts[0].Data().(int) < 0 {
			return errors.New("negative")
		}
		return nil
	}), WithQueueThreshold(2))
	require.NoError(t, err)

	// Fill the queue before any worker runs so the third event is refused.
	require.True(t, st.Sink().EnqueueLossy(testEvent(-1)))
	require.True(t, st.Sink().EnqueueLossy(testEvent(2)))
	require.False(t, st.Sink().EnqueueLossy(testEvent(3)))

	require.NoError(t, r.Start(context.Background()))
	close(gate)

	require.Eventually(t, func() bool {
		events, _, _ := metrics.snapshot()
		return events == 2
	}, 2*time.Second, time.Millisecond)
	_, faults, rejections := metrics.snapshot()
	assert.Equal(t, 1, faults, "both queued events arrive as one batch led by -1")
	assert.Equal(t, 1, rejections)

	metrics.mu.Lock()
	assert.GreaterOrEqual(t, metrics.live["m"], 1)
	metrics.mu.Unlock()
}

func TestDispatch_Tracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})

	r := newTestRuntime(t, map[string]any{
		"global": map[string]any{"threadPool": fastPool(nil)},
	}, WithTracing(observability.NewSpanManager()))

	st, err := r.AddStage("traced", HandlerFunc(func([]event.Event) error { return nil }))
	require.NoError(t, err)
	bad, err := r.AddStage("faulty", HandlerFunc(func([]event.Event) error { panic("boom") }))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, st.Sink().Enqueue(testEvent(1)))
	require.NoError(t, bad.Sink().Enqueue(testEvent(2)))

	spanNamed := func(name string) (tracetest.SpanStub, bool) {
		for _, s := range exporter.GetSpans() {
			if s.Name == name {
				return s, true
			}
		}
		return tracetest.SpanStub{}, false
	}
	require.Eventually(t, func() bool {
		_, okTraced := spanNamed("stageflow.stage.traced")
		_, okFaulty := spanNamed("stageflow.stage.faulty")
		return okTraced && okFaulty
	}, 2*time.Second, 5*time.Millisecond)

	traced, _ := spanNamed("stageflow.stage.traced")
	assert.Empty(t, traced.Events)

	faulty, _ := spanNamed("stageflow.stage.faulty")
	var found bool
	for _, e := range faulty.Events {
		if e.Name == "handler_fault" {
			found = true
			assert.Contains(t, e.Attributes, attribute.Bool("panicked", true))
			assert.Contains(t, e.Attributes, attribute.Int("events", 1))
		}
	}
	assert.True(t, found, "fault recorded on the batch span")
	assert.Equal(t, codes.Error, faulty.Status.Code)
}

func TestDispatch_ResponseTimeControl(t *testing.T) {
	t.Run("slow stage backs off", func(t *testing.T) {
		metrics := &fakeMetrics{}
		r := newTestRuntime(t, map[string]any{
			"global":                          map[string]any{"threadPool": fastPool(map[string]any{"maxThreads": 1})},
			"stages.slow.rtController.window": 5,
		}, WithMetrics(metrics))

		st, err := r.AddStage("slow", HandlerFunc(func([]event.Event) error {
			time.Sleep(3 * time.Millisecond)
			return nil
		}), WithQueueThreshold(64), WithResponseTimeTarget(time.Millisecond),
			WithSorter(func(src queue.Source) batch.Sorter {
				return batch.NewAdaptiveSorter(src, batch.AdaptiveConfig{MinBatch: 1, MaxBatch: 1})
			}))
		require.NoError(t, err)
		require.NotNil(t, st.ResponseTime())
		assert.Equal(t, 64, st.Threshold())
		require.NoError(t, r.Start(context.Background()))

		for i := 0; i < 20; i++ {
			st.Sink().EnqueueLossy(testEvent(i))
		}
		require.Eventually(t, func() bool { return st.Threshold() < 64 }, 5*time.Second, time.Millisecond)

		metrics.mu.Lock()
		assert.NotEmpty(t, metrics.thresholds)
		metrics.mu.Unlock()
	})

	t.Run("fast stage admits more", func(t *testing.T) {
		r := newTestRuntime(t, map[string]any{
			"global": map[string]any{
				"threadPool": fastPool(nil),
				"rtController": map[string]any{
					"enable":             true,
					"targetResponseTime": "1s",
					"window":             5,
				},
			},
		})
		st, err := r.AddStage("fast", HandlerFunc(func([]event.Event) error { return nil }),
			WithQueueThreshold(4))
		require.NoError(t, err)
		require.NoError(t, r.Start(context.Background()))

		deadline := time.Now().Add(5 * time.Second)
		for st.Threshold() <= 4 && time.Now().Before(deadline) {
			st.Sink().EnqueueLossy(testEvent(0))
			time.Sleep(100 * time.Microsecond)
		}
		assert.Greater(t, st.Threshold(), 4)
	})
}
