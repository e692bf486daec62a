package stageflow

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/stageflow/pkg/stageflow/config"
	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
)

// recordingHandler records lifecycle calls, handled events and the peak
// number of concurrent HandleEvents calls.
type recordingHandler struct {
	mode  Mode
	delay time.Duration

	initCalls    atomic.Int32
	destroyCalls atomic.Int32
	batches      atomic.Int64
	handled      atomic.Int64
	inFlight     atomic.Int32
	maxInFlight  atomic.Int32
	overlapped   atomic.Bool

	mu     sync.Mutex
	events []event.Event
	ctx    *InitContext

	initErr error
	onBatch func(evts []event.Event) error
}

func (h *recordingHandler) Init(ctx *InitContext) error {
	h.initCalls.Add(1)
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
	return h.initErr
}

func (h *recordingHandler) HandleEvents(evts []event.Event) error {
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	if n > 1 && h.mode == Exclusive {
		h.overlapped.Store(true)
	}
	for {
		peak := h.maxInFlight.Load()
		if n <= peak || h.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.events = append(h.events, evts...)
	h.mu.Unlock()
	h.batches.Add(1)
	h.handled.Add(int64(len(evts)))

	if h.onBatch != nil {
		return h.onBatch(evts)
	}
	return nil
}

func (h *recordingHandler) Destroy() error {
	h.destroyCalls.Add(1)
	return nil
}

func (h *recordingHandler) Mode() Mode { return h.mode }

func (h *recordingHandler) seen() []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event.Event(nil), h.events...)
}

// newTestRuntime builds a runtime from a nested config map.
func newTestRuntime(t *testing.T, data map[string]any, opts ...Option) *Runtime {
	t.Helper()
	r, err := New(config.New(data), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

// fastPool is a global thread pool section with a short block time so
// workers notice stop requests quickly.
func fastPool(extra map[string]any) map[string]any {
	pool := map[string]any{"blockTime": "10ms"}
	for k, v := range extra {
		pool[k] = v
	}
	return pool
}

func testEvent(i int) event.Event {
	return event.New("test", i)
}

// testLogHandler captures log records as JSON lines.
type testLogHandler struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (h *testLogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return json.NewEncoder(&h.buf).Encode(data)
}

func (h *testLogHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *testLogHandler) WithGroup(string) slog.Handler      { return h }

func (h *testLogHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var msgs []string
	for _, line := range bytes.Split(h.buf.Bytes(), []byte("\n")) {
		var m map[string]any
		if len(line) > 0 && json.Unmarshal(line, &m) == nil {
			msgs = append(msgs, m["msg"].(string))
		}
	}
	return msgs
}
