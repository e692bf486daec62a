package stageflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/control"
	"github.com/randalmurphal/stageflow/pkg/stageflow/pool"
)

// tpsManager gives every stage its own worker pool. Each worker loops on
// the stage's sorter; a shared size controller grows and shrinks the pools
// that opted in.
type tpsManager struct {
	r    *Runtime
	size *control.SizeController

	mu      sync.Mutex
	pools   map[string]*pool.Pool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ ThreadManager = (*tpsManager)(nil)

func newTPS(r *Runtime) *tpsManager {
	sc := r.settings.SizeController
	return &tpsManager{
		r: r,
		size: control.NewSizeController(control.SizeConfig{
			Delay:     sc.Delay,
			HighWater: sc.HighWater,
			LowWater:  sc.LowWater,
			IdleTicks: sc.IdleTicks,
			Logger:    r.rc.logger,
		}),
		pools: make(map[string]*pool.Pool),
	}
}

func (m *tpsManager) Name() string { return ThreadPoolPerStage }

// Notify is a no-op: TPS workers block on their own queue.
func (m *tpsManager) Notify() {}

// Pool returns the pool of a registered stage.
func (m *tpsManager) Pool(name string) (*pool.Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[name]
	return p, ok
}

func (m *tpsManager) Register(st *Stage) error {
	ps := st.settings.Pool
	cfg := pool.Config{
		Name:        st.name,
		Min:         ps.Min,
		Max:         ps.Max,
		Initial:     ps.Initial,
		IdleTimeout: ps.IdleTime,
		Logger:      m.r.rc.logger,
		OnResize: func(live int) {
			m.r.rc.metrics.RecordLiveThreads(context.Background(), st.name, live)
		},
	}
	if st.mode == Exclusive {
		cfg.Min, cfg.Max, cfg.Initial = 1, 1, 1
	}
	p := pool.New(cfg, m.step(st, ps.BlockTime))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[st.name]; ok {
		return ErrStageExists
	}
	m.pools[st.name] = p
	st.live = p.Live
	if ps.SizeController && st.mode != Exclusive {
		m.size.Register(p, st.Pending)
	}
	if m.started {
		return p.Start()
	}
	return nil
}

// step is one worker turn: wait up to block for a batch and dispatch it.
func (m *tpsManager) step(st *Stage, block time.Duration) pool.Step {
	return func() bool {
		if st.mode == Exclusive {
			st.excl.Lock()
			defer st.excl.Unlock()
		}
		b := st.sorter.NextBatch(block)
		if b == nil {
			return false
		}
		m.r.dispatch(st, b)
		return true
	}
}

func (m *tpsManager) Deregister(ctx context.Context, st *Stage) error {
	m.mu.Lock()
	p, ok := m.pools[st.name]
	delete(m.pools, st.name)
	m.mu.Unlock()
	if !ok {
		return ErrStageNotFound
	}
	m.size.Deregister(st.name)
	return p.Stop(ctx)
}

func (m *tpsManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrRuntimeStarted
	}
	m.started = true

	var errs []error
	for _, p := range m.pools {
		errs = append(errs, p.Start())
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.size.Run(runCtx)
	}()
	return errors.Join(errs...)
}

func (m *tpsManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	errs := make([]error, len(pools))
	var wg sync.WaitGroup
	for i, p := range pools {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Stop(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
