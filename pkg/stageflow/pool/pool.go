// Package pool runs the worker goroutines bound to one stage.
//
// A Pool keeps its live worker count within [Min, Max]. It grows only when
// asked (by the size controller); it shrinks when asked, or when a worker
// has gone IdleTimeout without work. Workers run a Step function in a loop;
// a Step must return within a bounded time so workers notice retire and stop
// requests.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
)

// ErrPoolStarted is returned by Start on a pool that is already running.
var ErrPoolStarted = errors.New("pool already started")

// Step is one scheduling turn of a worker. It reports whether the worker
// found work; false means the turn was spent waiting idle.
type Step func() bool

// Config configures a Pool.
type Config struct {
	Name string

	// Min and Max bound the live worker count. Min is at least 1.
	Min int
	Max int

	// Initial is the number of workers started by Start. It is clamped to
	// [Min, Max].
	Initial int

	// IdleTimeout is how long a worker may go without work before it
	// retires itself. 0 disables self-retirement.
	IdleTimeout time.Duration

	Logger *slog.Logger

	// OnResize, if set, is called with the new live count after every
	// change.
	OnResize func(live int)
}

// Pool is a resizable set of worker goroutines running one Step.
type Pool struct {
	cfg  Config
	step Step
	now  func() time.Time

	live      atomic.Int64
	retireReq atomic.Int64
	idleWaits atomic.Int64

	started atomic.Bool
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New creates a pool that runs step on every worker. The pool does nothing
// until Start.
func New(cfg Config, step Step) *Pool {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	cfg.Initial = min(max(cfg.Initial, cfg.Min), cfg.Max)
	return &Pool{
		cfg:  cfg,
		step: step,
		now:  time.Now,
		stop: make(chan struct{}),
	}
}

// Name returns the pool name, usually the stage name.
func (p *Pool) Name() string { return p.cfg.Name }

// Min returns the minimum live worker count.
func (p *Pool) Min() int { return p.cfg.Min }

// Max returns the maximum live worker count.
func (p *Pool) Max() int { return p.cfg.Max }

// Live returns the number of live workers. Workers asked to retire stop
// counting immediately, before their goroutine exits.
func (p *Pool) Live() int {
	return int(p.live.Load())
}

// Start launches the initial workers.
func (p *Pool) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrPoolStarted
	}
	for i := 0; i < p.cfg.Initial; i++ {
		p.live.Add(1)
		p.spawn()
	}
	p.resized("start")
	return nil
}

// Grow adds one worker unless the pool is at Max or stopped.
func (p *Pool) Grow() bool {
	if !p.started.Load() || p.stopped() {
		return false
	}
	for {
		n := p.live.Load()
		if n >= int64(p.cfg.Max) {
			return false
		}
		if p.live.CompareAndSwap(n, n+1) {
			p.spawn()
			p.resized("grow")
			return true
		}
	}
}

// Retire asks one worker to exit unless the pool is at Min. The worker
// leaves at the end of its current Step.
func (p *Pool) Retire() bool {
	if !p.tryDecrement() {
		return false
	}
	p.retireReq.Add(1)
	p.resized("retire")
	return true
}

// TakeIdleWaits returns the number of idle Steps since the last call and
// resets the counter.
func (p *Pool) TakeIdleWaits() int64 {
	return p.idleWaits.Swap(0)
}

// Stop signals every worker to exit and waits for them, or for ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.once.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.live.Store(0)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *Pool) tryDecrement() bool {
	for {
		n := p.live.Load()
		if n <= int64(p.cfg.Min) {
			return false
		}
		if p.live.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (p *Pool) takeRetireRequest() bool {
	for {
		n := p.retireReq.Load()
		if n <= 0 {
			return false
		}
		if p.retireReq.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (p *Pool) spawn() {
	p.wg.Add(1)
	go p.work()
}

func (p *Pool) work() {
	defer p.wg.Done()

	var idleSince time.Time
	for {
		if p.stopped() || p.takeRetireRequest() {
			return
		}
		if p.step() {
			idleSince = time.Time{}
			continue
		}

		p.idleWaits.Add(1)
		now := p.now()
		if idleSince.IsZero() {
			idleSince = now
		}
		if p.cfg.IdleTimeout > 0 && now.Sub(idleSince) >= p.cfg.IdleTimeout && p.tryDecrement() {
			p.resized("idle")
			return
		}
	}
}

func (p *Pool) resized(reason string) {
	live := p.Live()
	observability.LogPoolResize(p.cfg.Logger, p.cfg.Name, live, reason)
	if p.cfg.OnResize != nil {
		p.cfg.OnResize(live)
	}
}
