package pool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/stageflow/pkg/stageflow/pool"
)

func busyStep() pool.Step {
	return func() bool {
		time.Sleep(time.Millisecond)
		return true
	}
}

func idleStep() pool.Step {
	return func() bool {
		time.Sleep(time.Millisecond)
		return false
	}
}

func stopPool(t *testing.T, p *pool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestNew_ClampsConfig(t *testing.T) {
	tests := []struct {
		name                string
		cfg                 pool.Config
		wantMin, wantMax, n int
	}{
		{"zero", pool.Config{}, 1, 1, 1},
		{"max below min", pool.Config{Min: 3, Max: 1}, 3, 3, 3},
		{"initial above max", pool.Config{Min: 1, Max: 4, Initial: 9}, 1, 4, 4},
		{"initial below min", pool.Config{Min: 2, Max: 4}, 2, 4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pool.New(tt.cfg, busyStep())
			assert.Equal(t, tt.wantMin, p.Min())
			assert.Equal(t, tt.wantMax, p.Max())
			require.NoError(t, p.Start())
			assert.Equal(t, tt.n, p.Live())
			stopPool(t, p)
		})
	}
}

func TestPool_StartTwice(t *testing.T) {
	p := pool.New(pool.Config{Name: "twice"}, busyStep())
	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), pool.ErrPoolStarted)
	stopPool(t, p)
}

func TestPool_GrowAndRetireRespectBounds(t *testing.T) {
	var sizes []int
	var mu sync.Mutex
	p := pool.New(pool.Config{
		Name: "bounds",
		Min:  1,
		Max:  3,
		OnResize: func(live int) {
			mu.Lock()
			sizes = append(sizes, live)
			mu.Unlock()
		},
	}, busyStep())

	assert.False(t, p.Grow(), "grow before start")
	require.NoError(t, p.Start())

	assert.True(t, p.Grow())
	assert.True(t, p.Grow())
	assert.False(t, p.Grow())
	assert.Equal(t, 3, p.Live())

	assert.True(t, p.Retire())
	assert.True(t, p.Retire())
	assert.False(t, p.Retire())
	assert.Equal(t, 1, p.Live())

	stopPool(t, p)
	assert.False(t, p.Grow(), "grow after stop")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 2, 1}, sizes)
}

func TestPool_RetiredWorkersExit(t *testing.T) {
	var inStep, peak atomic.Int64
	step := func() bool {
		n := inStep.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inStep.Add(-1)
		return true
	}

	p := pool.New(pool.Config{Name: "exit", Min: 1, Max: 4, Initial: 4}, step)
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return peak.Load() == 4 }, time.Second, time.Millisecond)

	for p.Retire() {
	}
	time.Sleep(20 * time.Millisecond)
	peak.Store(0)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int64(1), peak.Load())
	stopPool(t, p)
}

func TestPool_IdleWorkersRetireToMin(t *testing.T) {
	p := pool.New(pool.Config{
		Name:        "idle",
		Min:         1,
		Max:         4,
		Initial:     4,
		IdleTimeout: 20 * time.Millisecond,
	}, idleStep())
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return p.Live() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.Live(), "never below min")
	stopPool(t, p)
}

func TestPool_BusyWorkersDoNotSelfRetire(t *testing.T) {
	p := pool.New(pool.Config{
		Name:        "busy",
		Min:         1,
		Max:         3,
		Initial:     3,
		IdleTimeout: 5 * time.Millisecond,
	}, busyStep())
	require.NoError(t, p.Start())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, p.Live())
	assert.Zero(t, p.TakeIdleWaits())
	stopPool(t, p)
}

func TestPool_TakeIdleWaits(t *testing.T) {
	p := pool.New(pool.Config{Name: "waits"}, idleStep())
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return p.TakeIdleWaits() > 0 }, time.Second, 5*time.Millisecond)
	stopPool(t, p)
	p.TakeIdleWaits()
	assert.Zero(t, p.TakeIdleWaits())
}

func TestPool_StopHonorsContext(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p := pool.New(pool.Config{Name: "stuck"}, func() bool {
		once.Do(func() { close(entered) })
		<-release
		return true
	})
	require.NoError(t, p.Start())
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)

	close(release)
	stopPool(t, p)
	assert.Zero(t, p.Live())
}

func TestPool_ConcurrentResizeStaysInBounds(t *testing.T) {
	p := pool.New(pool.Config{Name: "race", Min: 2, Max: 6}, busyStep())
	require.NoError(t, p.Start())

	var violated atomic.Bool
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(grow bool) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if grow {
					p.Grow()
				} else {
					p.Retire()
				}
				if n := p.Live(); n < 2 || n > 6 {
					violated.Store(true)
				}
			}
		}(g%2 == 0)
	}
	wg.Wait()

	assert.False(t, violated.Load())
	stopPool(t, p)
}
