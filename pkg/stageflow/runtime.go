package stageflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/config"
	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
	"github.com/randalmurphal/stageflow/pkg/stageflow/profile"
	"github.com/randalmurphal/stageflow/pkg/stageflow/queue"
)

type runState int

const (
	stateCreated runState = iota
	stateStarted
	stateStopped
)

// Runtime owns a set of stages, the thread manager that schedules them,
// and the controllers and profiler that watch them. It is constructed
// once, passed explicitly to whatever needs it, and holds no global state.
type Runtime struct {
	cfg      config.Config
	settings Settings
	rc       runtimeConfig
	mgr      ThreadManager
	faults   *FaultLog
	profiler *profile.Profiler

	mu        sync.RWMutex
	stages    map[string]*Stage
	order     []string
	state     runState
	startedAt time.Time

	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// New creates a runtime from configuration. The thread manager is chosen
// by global.threadManager.
//
// Example:
//
//	cfg, _ := config.FromFile("runtime.yaml")
//	rt, err := stageflow.New(cfg, stageflow.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	rt.AddStage("parse", parser)
//	rt.AddStage("store", storer)
//	if err := rt.Start(ctx); err != nil {
//	    return err
//	}
//	defer rt.Stop(ctx)
func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	rc := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&rc)
	}

	r := &Runtime{
		cfg:      cfg,
		settings: LoadSettings(cfg),
		rc:       rc,
		faults:   NewFaultLog(rc.faultLimit),
		stages:   make(map[string]*Stage),
	}

	switch r.settings.ThreadManager {
	case ThreadPoolPerStage:
		r.mgr = newTPS(r)
	case ThreadPerProcessor:
		r.mgr = newTPP(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownThreadManager, r.settings.ThreadManager)
	}

	if r.settings.Profile.Enable || rc.profileStore != nil {
		store := rc.profileStore
		if store == nil && r.settings.Profile.SQLiteFile != "" {
			s, err := profile.NewSQLiteStore(r.settings.Profile.SQLiteFile)
			if err != nil {
				return nil, fmt.Errorf("open profile store: %w", err)
			}
			store = s
		}
		r.profiler = profile.New(store,
			profile.WithDelay(r.settings.Profile.Delay),
			profile.WithLogger(rc.logger),
		)
	}
	return r, nil
}

// Settings returns the runtime's resolved global settings.
func (r *Runtime) Settings() Settings { return r.settings }

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() config.Config { return r.cfg }

// ThreadManager returns the active scheduling discipline.
func (r *Runtime) ThreadManager() ThreadManager { return r.mgr }

// Faults returns the log of recent handler faults.
func (r *Runtime) Faults() *FaultLog { return r.faults }

// Profiler returns the profiler, or nil when profiling is disabled.
func (r *Runtime) Profiler() *profile.Profiler { return r.profiler }

// AddStage creates a stage around h. Stages added before Start are
// initialized by Start; stages added to a running runtime are initialized
// and scheduled immediately.
func (r *Runtime) AddStage(name string, h EventHandler, opts ...StageOption) (*Stage, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	var sc stageConfig
	for _, opt := range opts {
		opt(&sc)
	}

	r.mu.Lock()
	if r.state == stateStopped {
		r.mu.Unlock()
		return nil, ErrRuntimeStopped
	}
	if _, ok := r.stages[name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStageExists, name)
	}
	st := r.newStage(name, h, sc)
	r.stages[name] = st
	r.order = append(r.order, name)
	running := r.state == stateStarted
	r.mu.Unlock()

	if running {
		if err := r.activate(st); err != nil {
			r.forget(name)
			st.queue.Close()
			return nil, err
		}
	}
	return st, nil
}

// RemoveStage closes a stage's queue, stops scheduling it, waits for its
// in-flight batches and destroys its handler. Queued events are abandoned.
func (r *Runtime) RemoveStage(ctx context.Context, name string) error {
	r.mu.RLock()
	st, ok := r.stages[name]
	running := r.state == stateStarted
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrStageNotFound, name)
	}

	st.queue.Close()
	var errs []error
	if running {
		errs = append(errs, r.mgr.Deregister(ctx, st))
	}
	r.forget(name)
	r.removeGauges(st)
	abandoned := st.Size()
	errs = append(errs, st.destroy())
	observability.LogStageStop(r.rc.logger, name, abandoned)
	return errors.Join(errs...)
}

// Stage returns the named stage.
func (r *Runtime) Stage(name string) (*Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, name)
	}
	return st, nil
}

// Sink returns the producer view of the named stage's queue.
func (r *Runtime) Sink(name string) (queue.Sink, error) {
	st, err := r.Stage(name)
	if err != nil {
		return nil, err
	}
	return st.queue, nil
}

// Stages returns stage names in the order they were added.
func (r *Runtime) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Start initializes every stage, registers it with the thread manager and
// starts scheduling. If any stage fails to initialize, the runtime is
// stopped and the error returned.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case stateStarted:
		r.mu.Unlock()
		return ErrRuntimeStarted
	case stateStopped:
		r.mu.Unlock()
		return ErrRuntimeStopped
	}
	r.state = stateStarted
	r.startedAt = r.rc.now()
	stages := r.orderedLocked()
	r.mu.Unlock()

	observability.LogRuntimeStart(r.rc.logger, r.mgr.Name(), len(stages))

	for _, st := range stages {
		if err := r.activate(st); err != nil {
			return errors.Join(err, r.Stop(ctx))
		}
	}
	if err := r.mgr.Start(ctx); err != nil {
		return errors.Join(err, r.Stop(ctx))
	}

	if r.profiler != nil {
		bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r.cancel = cancel
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			r.profiler.Run(bgCtx)
		}()
	}
	return nil
}

// Stop shuts the runtime down: queues are closed so producers see
// ErrSinkClosed, workers finish their current batch and exit, and every
// initialized handler is destroyed exactly once. Events still queued are
// abandoned. If ctx expires before the workers exit, handlers are not
// destroyed and the context error is returned. Stop is idempotent.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state == stateStopped {
		r.mu.Unlock()
		return nil
	}
	wasStarted := r.state == stateStarted
	r.state = stateStopped
	stages := r.orderedLocked()
	r.mu.Unlock()

	for _, st := range stages {
		st.queue.Close()
	}

	var errs []error
	var stopErr error
	if wasStarted {
		stopErr = r.mgr.Stop(ctx)
		errs = append(errs, stopErr)
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.bg.Wait()

	// Handlers are only destroyed once no worker can still be inside them.
	if stopErr == nil {
		for _, st := range stages {
			abandoned := st.Size()
			errs = append(errs, st.destroy())
			observability.LogStageStop(r.rc.logger, st.name, abandoned)
		}
	}

	if r.profiler != nil {
		errs = append(errs, r.profiler.Store().Close())
	}

	err := errors.Join(errs...)
	if wasStarted {
		observability.LogRuntimeStop(r.rc.logger, float64(r.rc.now().Sub(r.startedAt).Milliseconds()), err)
	}
	return err
}

// activate initializes a stage and hands it to the thread manager.
func (r *Runtime) activate(st *Stage) error {
	if err := st.init(&InitContext{stage: st, runtime: r}); err != nil {
		return err
	}
	if err := r.mgr.Register(st); err != nil {
		return &StageError{Stage: st.name, Op: "register", Err: err}
	}
	r.addGauges(st)
	observability.LogStageStart(r.rc.logger, st.name, st.mode == Exclusive)
	return nil
}

func (r *Runtime) forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stages, name)
	if i := slices.Index(r.order, name); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

func (r *Runtime) orderedLocked() []*Stage {
	out := make([]*Stage, len(r.order))
	for i, name := range r.order {
		out[i] = r.stages[name]
	}
	return out
}

// gaugeNames returns the profiler gauge names of a stage.
func gaugeNames(stage string) []string {
	return []string{
		stage + ".queue",
		stage + ".threshold",
		stage + ".threads",
		stage + ".p90_ms",
		stage + ".quality",
	}
}

func (r *Runtime) addGauges(st *Stage) {
	if r.profiler == nil {
		return
	}
	names := gaugeNames(st.name)
	gauges := []profile.Gauge{
		func() float64 { return float64(st.Size()) },
		func() float64 { return float64(st.Threshold()) },
		func() float64 { return float64(st.LiveThreads()) },
		func() float64 { return float64(st.stats.Get90thRT()) / float64(time.Millisecond) },
		func() float64 {
			if st.quality == nil {
				return 1
			}
			return st.quality.Quality()
		},
	}
	for i, name := range names {
		// Names are unique per stage and stage names are unique.
		_ = r.profiler.Add(name, gauges[i])
	}
}

// recordDecision persists one controller decision next to the periodic
// samples. Store failures are logged.
func (r *Runtime) recordDecision(name string, value float64) {
	if r.profiler == nil {
		return
	}
	if err := r.profiler.Record(name, value); err != nil {
		observability.LogStoreError(r.rc.logger, "record", err)
	}
}

func (r *Runtime) removeGauges(st *Stage) {
	if r.profiler == nil {
		return
	}
	for _, name := range gaugeNames(st.name) {
		r.profiler.Remove(name)
	}
}
