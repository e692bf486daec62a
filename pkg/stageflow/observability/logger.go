// Package observability provides logging, metrics and tracing hooks for
// the stageflow runtime.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every helper accepts a nil logger.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds stage context to a logger.
// Returns a new logger with stage and thread_manager fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "parse", "tps")
//	enriched.Info("doing work") // includes stage, thread_manager
func EnrichLogger(logger *slog.Logger, stage, manager string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("stage", stage),
		slog.String("thread_manager", manager),
	)
}

// LogRuntimeStart logs runtime startup.
func LogRuntimeStart(logger *slog.Logger, manager string, stages int) {
	if logger == nil {
		return
	}
	logger.Info("runtime starting",
		slog.String("thread_manager", manager),
		slog.Int("stages", stages),
	)
}

// LogRuntimeStop logs runtime shutdown.
func LogRuntimeStop(logger *slog.Logger, durationMs float64, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("runtime stopped with errors",
			slog.Float64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("runtime stopped",
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStageStart logs that a stage has been initialized and registered.
func LogStageStart(logger *slog.Logger, stage string, exclusive bool) {
	if logger == nil {
		return
	}
	logger.Debug("stage started",
		slog.String("stage", stage),
		slog.Bool("exclusive", exclusive),
	)
}

// LogStageStop logs stage teardown. abandoned is the number of queued
// events dropped when the queue closed.
func LogStageStop(logger *slog.Logger, stage string, abandoned int) {
	if logger == nil {
		return
	}
	logger.Debug("stage stopped",
		slog.String("stage", stage),
		slog.Int("abandoned", abandoned),
	)
}

// LogHandlerFault logs a batch that failed inside a handler.
func LogHandlerFault(logger *slog.Logger, stage string, events int, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler fault",
		slog.String("stage", stage),
		slog.Int("events", events),
		slog.String("error", err.Error()),
	)
}

// LogThresholdChange logs an admission threshold move.
func LogThresholdChange(logger *slog.Logger, stage string, from, to int, rt time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("admission threshold changed",
		slog.String("stage", stage),
		slog.Int("from", from),
		slog.Int("threshold", to),
		slog.Float64("rt_ms", float64(rt)/float64(time.Millisecond)),
	)
}

// LogPoolResize logs a change in a stage's live worker count.
func LogPoolResize(logger *slog.Logger, stage string, live int, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("thread pool resized",
		slog.String("stage", stage),
		slog.Int("live_threads", live),
		slog.String("reason", reason),
	)
}

// LogQualityChange logs a quality level move.
func LogQualityChange(logger *slog.Logger, stage string, from, to float64) {
	if logger == nil {
		return
	}
	logger.Debug("quality changed",
		slog.String("stage", stage),
		slog.Float64("from", from),
		slog.Float64("quality", to),
	)
}

// LogStoreError logs a failed profile write (non-fatal).
func LogStoreError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("profile store failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
