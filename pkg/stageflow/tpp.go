package stageflow

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"
	"time"
)

// tppManager shares a fixed set of workers, one per processor, across
// every stage. An idle worker ranks stages by pending work, dispatches the
// first one it can, and otherwise sleeps until an enqueue wakes it.
type tppManager struct {
	r       *Runtime
	workers int
	block   time.Duration

	mu      sync.RWMutex
	entries []tppEntry
	started bool

	// wake holds at most one token per worker. A token left behind by an
	// enqueue that found every worker busy makes the next idle worker
	// rescan instead of sleeping.
	wake chan struct{}
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

type tppEntry struct {
	st   *Stage
	hash uint32
}

var _ ThreadManager = (*tppManager)(nil)

func newTPP(r *Runtime) *tppManager {
	n := r.settings.NumCPUs
	return &tppManager{
		r:       r,
		workers: n,
		block:   r.settings.Pool.BlockTime,
		wake:    make(chan struct{}, n),
		stop:    make(chan struct{}),
	}
}

func (m *tppManager) Name() string { return ThreadPerProcessor }

// Workers returns the size of the shared worker set.
func (m *tppManager) Workers() int { return m.workers }

func (m *tppManager) Notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *tppManager) Register(st *Stage) error {
	h := fnv.New32a()
	h.Write([]byte(st.name))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.st == st || e.st.name == st.name {
			return ErrStageExists
		}
	}
	m.entries = append(m.entries, tppEntry{st: st, hash: h.Sum32()})
	if m.started {
		m.Notify()
	}
	return nil
}

func (m *tppManager) Deregister(ctx context.Context, st *Stage) error {
	m.mu.Lock()
	i := slices.IndexFunc(m.entries, func(e tppEntry) bool { return e.st == st })
	if i < 0 {
		m.mu.Unlock()
		return ErrStageNotFound
	}
	m.entries = slices.Delete(m.entries, i, i+1)
	m.mu.Unlock()
	return waitIdle(ctx, st)
}

func (m *tppManager) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrRuntimeStarted
	}
	m.started = true
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.work()
	}
	return nil
}

func (m *tppManager) Stop(ctx context.Context) error {
	m.once.Do(func() { close(m.stop) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *tppManager) work() {
	defer m.wg.Done()

	// A bounded sleep picks up events a sorter held back, which no
	// enqueue will announce.
	var timer *time.Timer
	var timeout <-chan time.Time
	if m.block > 0 {
		timer = time.NewTimer(m.block)
		defer timer.Stop()
	}

	for {
		select {
		case <-m.stop:
			return
		default:
		}
		if m.runOnce() {
			continue
		}

		if timer != nil {
			timer.Reset(m.block)
			timeout = timer.C
		}
		select {
		case <-m.stop:
			return
		case <-m.wake:
		case <-timeout:
		}
	}
}

// runOnce dispatches one batch from the highest ranked stage that has
// work and is not locked by another worker.
func (m *tppManager) runOnce() bool {
	for _, st := range m.ranked() {
		if st.mode == Exclusive && !st.excl.TryLock() {
			continue
		}
		b := st.sorter.NextBatch(-1)
		if b != nil {
			m.r.dispatch(st, b)
		}
		if st.mode == Exclusive {
			st.excl.Unlock()
		}
		if b != nil {
			return true
		}
	}
	return false
}

// ranked orders stages with pending work by descending occupancy. Ties go
// to the lower name hash, then the lower name.
func (m *tppManager) ranked() []*Stage {
	type scored struct {
		tppEntry
		pending int
	}

	m.mu.RLock()
	candidates := make([]scored, 0, len(m.entries))
	for _, e := range m.entries {
		if n := e.st.Pending(); n > 0 {
			candidates = append(candidates, scored{tppEntry: e, pending: n})
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(candidates, func(a, b scored) int {
		switch {
		case a.pending != b.pending:
			return b.pending - a.pending
		case a.hash != b.hash:
			if a.hash < b.hash {
				return -1
			}
			return 1
		default:
			if a.st.name < b.st.name {
				return -1
			}
			if a.st.name > b.st.name {
				return 1
			}
			return 0
		}
	})

	out := make([]*Stage, len(candidates))
	for i, c := range candidates {
		out[i] = c.st
	}
	return out
}
