package control

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Resizable is the view of a worker pool the size controller needs.
type Resizable interface {
	Name() string
	Live() int
	Min() int
	Max() int
	Grow() bool
	Retire() bool
	TakeIdleWaits() int64
}

// SizeConfig tunes a SizeController.
type SizeConfig struct {
	// Delay is the tick period. Default 2s.
	Delay time.Duration

	// HighWater is the queue size at or above which a pool may grow.
	// Default 1000.
	HighWater int

	// LowWater is the queue size at or below which a pool counts as idle.
	LowWater int

	// IdleTicks is how many consecutive idle ticks precede each shrink.
	// Default 2.
	IdleTicks int

	Logger *slog.Logger
}

func (c SizeConfig) normalized() SizeConfig {
	if c.Delay <= 0 {
		c.Delay = 2 * time.Second
	}
	if c.HighWater <= 0 {
		c.HighWater = 1000
	}
	if c.LowWater < 0 {
		c.LowWater = 0
	}
	if c.LowWater >= c.HighWater {
		c.LowWater = c.HighWater - 1
	}
	if c.IdleTicks < 1 {
		c.IdleTicks = 2
	}
	return c
}

type sizeEntry struct {
	pool      Resizable
	queueSize func() int
	idleTicks int
}

// SizeController periodically grows or shrinks registered pools by at most
// one worker per pool per tick.
//
// A pool grows when its queue is at or above HighWater and none of its
// workers waited idle since the previous tick. It shrinks once its queue has
// been at or below LowWater for IdleTicks consecutive ticks, and keeps
// shrinking one worker per tick while that holds.
type SizeController struct {
	cfg SizeConfig

	mu      sync.Mutex
	entries []*sizeEntry
}

// NewSizeController creates a size controller.
func NewSizeController(cfg SizeConfig) *SizeController {
	return &SizeController{cfg: cfg.normalized()}
}

// Config returns the effective configuration.
func (c *SizeController) Config() SizeConfig {
	return c.cfg
}

// Register adds a pool. queueSize reports the occupancy of the pool's
// stage queue.
func (c *SizeController) Register(p Resizable, queueSize func() int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, &sizeEntry{pool: p, queueSize: queueSize})
}

// Deregister removes the pool with the given name.
func (c *SizeController) Deregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.pool.Name() == name {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Tick applies the sizing rule once to every registered pool.
func (c *SizeController) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.tickOne(e)
	}
}

func (c *SizeController) tickOne(e *sizeEntry) {
	size := e.queueSize()
	idleWaits := e.pool.TakeIdleWaits()

	switch {
	case size >= c.cfg.HighWater:
		e.idleTicks = 0
		if idleWaits == 0 && e.pool.Grow() && c.cfg.Logger != nil {
			c.cfg.Logger.Debug("size controller grew pool",
				slog.String("stage", e.pool.Name()),
				slog.Int("queue_size", size),
				slog.Int("live_threads", e.pool.Live()),
			)
		}
	case size <= c.cfg.LowWater:
		e.idleTicks++
		if e.idleTicks >= c.cfg.IdleTicks && e.pool.Live() > e.pool.Min() {
			e.pool.Retire()
		}
	default:
		e.idleTicks = 0
	}
}

// Run ticks every Delay until ctx is done.
func (c *SizeController) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}
