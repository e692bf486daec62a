package stageflow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/batch"
	"github.com/randalmurphal/stageflow/pkg/stageflow/config"
	"github.com/randalmurphal/stageflow/pkg/stageflow/control"
	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
	"github.com/randalmurphal/stageflow/pkg/stageflow/queue"
	"github.com/randalmurphal/stageflow/pkg/stageflow/stats"
)

// Stage is a named queue plus handler, the unit of scheduling.
//
// Controllers mutate a stage's threshold and pool size while it runs; its
// identity, handler and queue are fixed from AddStage until Stop.
type Stage struct {
	name     string
	handler  EventHandler
	mode     Mode
	settings StageSettings
	cfg      config.Config
	logger   *slog.Logger

	queue     *queue.Queue
	sorter    batch.Sorter
	threshold *queue.ThresholdPredicate
	rt        *control.ResponseTimeController
	quality   *control.QualityController
	stats     *stats.Stats

	// excl is held around every dispatch of an Exclusive stage.
	excl sync.Mutex

	live     func() int
	inflight atomic.Int64

	initOnce    sync.Once
	initErr     error
	initialized atomic.Bool
	destroyOnce sync.Once
	destroyErr  error
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.name }

// Mode returns the stage's handler mode.
func (s *Stage) Mode() Mode { return s.mode }

// Handler returns the stage's handler.
func (s *Stage) Handler() EventHandler { return s.handler }

// Sink returns the producer view of the stage's queue.
func (s *Stage) Sink() queue.Sink { return s.queue }

// Size returns the number of events waiting in the stage's queue.
func (s *Stage) Size() int { return s.queue.Size() }

// QueueStats returns the queue's admission counters.
func (s *Stage) QueueStats() queue.Stats { return s.queue.Stats() }

// Threshold returns the current admission threshold; 0 means unbounded.
func (s *Stage) Threshold() int { return s.threshold.Threshold() }

// Stats returns the stage's service statistics.
func (s *Stage) Stats() *stats.Stats { return s.stats }

// ResponseTime returns the stage's response-time controller, or nil.
func (s *Stage) ResponseTime() *control.ResponseTimeController { return s.rt }

// Quality returns the stage's quality controller, or nil.
func (s *Stage) Quality() *control.QualityController { return s.quality }

// Settings returns the stage's resolved settings.
func (s *Stage) Settings() StageSettings { return s.settings }

// Sorter returns the stage's batch sorter.
func (s *Stage) Sorter() batch.Sorter { return s.sorter }

// LiveThreads returns the number of workers bound to the stage. Under the
// thread-per-processor manager it is the number currently dispatching.
func (s *Stage) LiveThreads() int {
	if s.live != nil {
		return s.live()
	}
	return int(s.inflight.Load())
}

// Pending returns queued events plus events held back by the sorter.
func (s *Stage) Pending() int {
	n := s.queue.Size()
	if p, ok := s.sorter.(batch.Pender); ok {
		n += p.Pending()
	}
	return n
}

func (s *Stage) init(ctx *InitContext) error {
	s.initOnce.Do(func() {
		if err := s.handler.Init(ctx); err != nil {
			s.initErr = &StageError{Stage: s.name, Op: "init", Err: err}
			return
		}
		s.initialized.Store(true)
	})
	return s.initErr
}

// destroy calls Destroy exactly once, and only on a stage whose Init
// succeeded.
func (s *Stage) destroy() error {
	if !s.initialized.Load() {
		return nil
	}
	s.destroyOnce.Do(func() {
		if err := s.handler.Destroy(); err != nil {
			s.destroyErr = &StageError{Stage: s.name, Op: "destroy", Err: err}
		}
	})
	return s.destroyErr
}

// newStage assembles a stage: queue, predicates, sorter and controllers.
func (r *Runtime) newStage(name string, h EventHandler, sc stageConfig) *Stage {
	settings := r.settings.ForStage(r.cfg, name)
	if sc.threshold != nil {
		settings.QueueThreshold = *sc.threshold
	}
	if sc.rtTarget > 0 {
		settings.RT.Enable = true
		settings.RT.Target = sc.rtTarget
	}
	cfg := settings.Config
	if sc.extra.Raw() != nil {
		cfg = config.Merge(cfg, sc.extra)
	}

	mode := ModeOf(h)
	if sc.mode != nil {
		mode = *sc.mode
	}

	st := &Stage{
		name:      name,
		handler:   h,
		mode:      mode,
		settings:  settings,
		cfg:       cfg,
		logger:    observability.EnrichLogger(r.rc.logger, name, r.mgr.Name()),
		threshold: queue.NewThresholdPredicate(settings.QueueThreshold),
		stats:     stats.New(0),
	}

	preds := []queue.Predicate{st.threshold}
	if settings.RateLimit > 0 {
		preds = append(preds, queue.NewRateLimitPredicate(
			map[time.Duration]int{time.Second: settings.RateLimit}, queue.ByEventType))
	}
	if sc.predicate != nil {
		preds = append(preds, sc.predicate)
	}
	var pred queue.Predicate = st.threshold
	if len(preds) > 1 {
		pred = queue.All(preds...)
	}

	st.queue = queue.New(name,
		queue.WithPredicate(pred),
		queue.WithEnqueueHook(r.mgr.Notify),
		queue.WithRejectHook(func(event.Event) {
			r.rc.metrics.RecordRejection(context.Background(), name)
		}),
	)

	switch {
	case sc.sorter != nil:
		st.sorter = sc.sorter(st.queue)
	case r.settings.Batch.Enable:
		ac := batch.DefaultAdaptiveConfig()
		ac.MinBatch = r.settings.Batch.Min
		ac.MaxBatch = r.settings.Batch.Max
		st.sorter = batch.NewAdaptiveSorter(st.queue, ac)
	default:
		st.sorter = batch.NewNullSorter(st.queue)
	}

	if settings.RT.Enable {
		initial := settings.QueueThreshold
		if initial <= 0 {
			initial = settings.RT.MinThreshold
		}
		st.rt = control.NewResponseTimeController(st.threshold, control.RTConfig{
			Stage:            name,
			Target:           settings.RT.Target,
			Smoothing:        settings.RT.Smoothing,
			Window:           settings.RT.Window,
			MinThreshold:     settings.RT.MinThreshold,
			MaxThreshold:     settings.RT.MaxThreshold,
			AdditiveStep:     settings.RT.AdditiveStep,
			InitialThreshold: initial,
			Logger:           r.rc.logger,
			OnChange: func(_, to int) {
				r.rc.metrics.RecordThreshold(context.Background(), name, to)
				r.recordDecision(name+".threshold_change", float64(to))
			},
		})
	}

	if sc.quality != nil {
		qc := *sc.quality
		qc.Stage = name
		qc.Logger = r.rc.logger
		if qc.Coupled == nil && st.rt != nil {
			qc.Coupled = st.rt
		}
		onChange := qc.OnChange
		qc.OnChange = func(from, to float64) {
			r.rc.metrics.RecordQuality(context.Background(), name, to)
			r.recordDecision(name+".quality_change", to)
			if onChange != nil {
				onChange(from, to)
			}
		}
		st.quality = control.NewQualityController(st.stats.Get90thRT, qc)
	}
	return st
}
