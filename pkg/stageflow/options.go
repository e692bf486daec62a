package stageflow

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/batch"
	"github.com/randalmurphal/stageflow/pkg/stageflow/config"
	"github.com/randalmurphal/stageflow/pkg/stageflow/control"
	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
	"github.com/randalmurphal/stageflow/pkg/stageflow/profile"
	"github.com/randalmurphal/stageflow/pkg/stageflow/queue"
)

// runtimeConfig holds construction-time dependencies of a Runtime.
type runtimeConfig struct {
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
	exit         func(code int)
	profileStore profile.Store
	faultLimit   int
	now          func() time.Time
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		exit:    os.Exit,
		now:     time.Now,
	}
}

// Option configures a Runtime.
type Option func(*runtimeConfig)

// WithLogger sets the runtime logger. Stage loggers are derived from it.
// Default: a logger that discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *runtimeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics for dispatched batches,
// rejections, pool sizes, thresholds and quality levels.
//
// Example:
//
//	rt, err := stageflow.New(cfg, stageflow.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *runtimeConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables a span per dispatched batch.
func WithTracing(s observability.SpanManager) Option {
	return func(c *runtimeConfig) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithExitFunc replaces os.Exit for fail-fast mode (global.crashOnException).
func WithExitFunc(exit func(code int)) Option {
	return func(c *runtimeConfig) {
		if exit != nil {
			c.exit = exit
		}
	}
}

// WithProfileStore sets the profiler's store, overriding
// global.profile.sqliteFile. The runtime closes it on Stop.
func WithProfileStore(store profile.Store) Option {
	return func(c *runtimeConfig) {
		c.profileStore = store
	}
}

// WithFaultLimit sets how many recent handler faults the runtime keeps.
// Default: DefaultFaultLimit.
func WithFaultLimit(n int) Option {
	return func(c *runtimeConfig) {
		if n > 0 {
			c.faultLimit = n
		}
	}
}

// stageConfig holds per-stage options.
type stageConfig struct {
	sorter    func(src queue.Source) batch.Sorter
	predicate queue.Predicate
	threshold *int
	rtTarget  time.Duration
	quality   *control.QualityConfig
	extra     config.Config
	mode      *Mode
}

// StageOption configures a stage at AddStage.
type StageOption func(*stageConfig)

// WithSorter sets the batch sorter, built from the stage's queue.
// Default: an AdaptiveSorter when global.batchController.enable is set,
// otherwise a NullSorter.
//
// Example:
//
//	rt.AddStage("session", h, stageflow.WithSorter(func(src queue.Source) batch.Sorter {
//	    return batch.NewSessionSorter(src)
//	}))
func WithSorter(fn func(src queue.Source) batch.Sorter) StageOption {
	return func(c *stageConfig) {
		c.sorter = fn
	}
}

// WithPredicate adds an admission predicate. It is checked together with
// the stage's threshold, and with its rate limit if one is configured.
func WithPredicate(p queue.Predicate) StageOption {
	return func(c *stageConfig) {
		c.predicate = p
	}
}

// WithQueueThreshold sets the initial queue threshold, overriding
// stages.<name>.queueThreshold. n <= 0 means unbounded.
func WithQueueThreshold(n int) StageOption {
	return func(c *stageConfig) {
		c.threshold = &n
	}
}

// WithResponseTimeTarget enables the response-time controller with the
// given target, overriding stages.<name>.rtController.
func WithResponseTimeTarget(target time.Duration) StageOption {
	return func(c *stageConfig) {
		c.rtTarget = target
	}
}

// WithQualityController attaches a quality controller driven by the
// stage's 90th percentile response time. Stage, Logger and OnChange are
// filled in by the runtime; Coupled defaults to the stage's
// response-time controller when it has one.
func WithQualityController(cfg control.QualityConfig) StageOption {
	return func(c *stageConfig) {
		c.quality = &cfg
	}
}

// WithStageConfig overlays handler-specific configuration on top of
// stages.<name> before it is handed to Init.
func WithStageConfig(cfg config.Config) StageOption {
	return func(c *stageConfig) {
		c.extra = cfg
	}
}

// WithMode overrides the handler's declared Mode.
func WithMode(m Mode) StageOption {
	return func(c *stageConfig) {
		c.mode = &m
	}
}
