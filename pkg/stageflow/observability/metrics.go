package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records runtime metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordBatch records one handler invocation: its size, duration and
	// whether it faulted.
	RecordBatch(ctx context.Context, stage string, events int, duration time.Duration, err error)

	// RecordRejection records an event refused by a stage's admission
	// predicate.
	RecordRejection(ctx context.Context, stage string)

	// RecordLiveThreads records a stage's live worker count.
	RecordLiveThreads(ctx context.Context, stage string, live int)

	// RecordThreshold records a stage's admission threshold.
	RecordThreshold(ctx context.Context, stage string, threshold int)

	// RecordQuality records a stage's quality level.
	RecordQuality(ctx context.Context, stage string, quality float64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	events       metric.Int64Counter
	batchLatency metric.Float64Histogram
	batchSize    metric.Int64Histogram
	faults       metric.Int64Counter
	rejections   metric.Int64Counter
	liveThreads  metric.Int64Gauge
	threshold    metric.Int64Gauge
	quality      metric.Float64Gauge
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("stageflow")
	m := &otelMetrics{}
	var err error

	if m.events, err = meter.Int64Counter("stageflow.stage.events",
		metric.WithDescription("Number of events handed to stage handlers"),
	); err != nil {
		return nil, err
	}
	if m.batchLatency, err = meter.Float64Histogram("stageflow.stage.batch_latency_ms",
		metric.WithDescription("Handler latency per batch in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.batchSize, err = meter.Int64Histogram("stageflow.stage.batch_size",
		metric.WithDescription("Events per batch"),
	); err != nil {
		return nil, err
	}
	if m.faults, err = meter.Int64Counter("stageflow.stage.faults",
		metric.WithDescription("Number of batches that faulted in a handler"),
	); err != nil {
		return nil, err
	}
	if m.rejections, err = meter.Int64Counter("stageflow.queue.rejections",
		metric.WithDescription("Number of events refused by admission control"),
	); err != nil {
		return nil, err
	}
	if m.liveThreads, err = meter.Int64Gauge("stageflow.pool.live_threads",
		metric.WithDescription("Live worker count per stage"),
	); err != nil {
		return nil, err
	}
	if m.threshold, err = meter.Int64Gauge("stageflow.queue.threshold",
		metric.WithDescription("Admission threshold per stage"),
	); err != nil {
		return nil, err
	}
	if m.quality, err = meter.Float64Gauge("stageflow.stage.quality",
		metric.WithDescription("Quality level per stage"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func stageAttr(stage string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("stage", stage))
}

// RecordBatch records a handler invocation.
func (m *otelMetrics) RecordBatch(ctx context.Context, stage string, events int, duration time.Duration, err error) {
	attrs := stageAttr(stage)
	m.events.Add(ctx, int64(events), attrs)
	m.batchSize.Record(ctx, int64(events), attrs)
	m.batchLatency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
	if err != nil {
		m.faults.Add(ctx, 1, attrs)
	}
}

// RecordRejection records an admission rejection.
func (m *otelMetrics) RecordRejection(ctx context.Context, stage string) {
	m.rejections.Add(ctx, 1, stageAttr(stage))
}

// RecordLiveThreads records the live worker count.
func (m *otelMetrics) RecordLiveThreads(ctx context.Context, stage string, live int) {
	m.liveThreads.Record(ctx, int64(live), stageAttr(stage))
}

// RecordThreshold records the admission threshold.
func (m *otelMetrics) RecordThreshold(ctx context.Context, stage string, threshold int) {
	m.threshold.Record(ctx, int64(threshold), stageAttr(stage))
}

// RecordQuality records the quality level.
func (m *otelMetrics) RecordQuality(ctx context.Context, stage string, quality float64) {
	m.quality.Record(ctx, quality, stageAttr(stage))
}
