package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordBatch(ctx, "a", 10, time.Millisecond, nil)
		m.RecordBatch(ctx, "", 0, 0, errors.New("x"))
		m.RecordRejection(ctx, "a")
		m.RecordLiveThreads(ctx, "a", 3)
		m.RecordThreshold(ctx, "a", 64)
		m.RecordQuality(ctx, "a", 0.5)
	})
}

func TestNoopSpanManager(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}
	ctx := context.Background()

	newCtx, span := sm.StartBatchSpan(ctx, "a", 1)
	assert.Equal(t, ctx, newCtx, "context unchanged")
	require.NotNil(t, span)
	assert.False(t, span.IsRecording())

	assert.NotPanics(t, func() {
		sm.AddSpanEvent(newCtx, "event", attribute.String("k", "v"))
		sm.EndSpanWithError(span, errors.New("x"))
		sm.EndSpanWithError(nil, nil)
	})
}
