package control

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
)

// Quality water marks, as fractions of the target 90th percentile
// response time.
const (
	qualityVeryLowWater  = 0.0001
	qualityLowWater      = 0.8
	qualityHighWater     = 1.1
	qualityVeryHighWater = 1.5
)

// Toggle is a controller that can be switched on and off.
// ResponseTimeController implements it.
type Toggle interface {
	Enable()
	Disable()
}

// QualityConfig tunes a QualityController.
type QualityConfig struct {
	Stage string

	// Target is the 90th percentile response time to hold. Default 1s.
	Target time.Duration

	// Every is the number of completions between adjustments. Default 100.
	Every int

	// MinQuality and MaxQuality bound the level. Defaults 0.01 and 1.0.
	MinQuality float64
	MaxQuality float64

	// AdditiveIncrease is added when latency is low. Default 0.01.
	AdditiveIncrease float64

	// MultiplicativeDecrease divides the level when latency is high.
	// Default 2.
	MultiplicativeDecrease float64

	// Coupled, if set, is a threshold controller handed control when
	// degrading quality is not enough. It is disabled once quality
	// recovers to DisableAbove, and enabled when latency is very high or
	// quality has sat at its minimum for EnableAfter adjustments.
	Coupled      Toggle
	DisableAbove float64 // default 0.2
	EnableAfter  int     // default 10

	Logger *slog.Logger

	// OnChange, if set, is called after every level move.
	OnChange func(from, to float64)
}

func (c QualityConfig) normalized() QualityConfig {
	if c.Target <= 0 {
		c.Target = time.Second
	}
	if c.Every < 1 {
		c.Every = 100
	}
	if c.MinQuality <= 0 {
		c.MinQuality = 0.01
	}
	if c.MaxQuality <= c.MinQuality {
		c.MaxQuality = math.Max(1.0, c.MinQuality)
	}
	if c.AdditiveIncrease <= 0 {
		c.AdditiveIncrease = 0.01
	}
	if c.MultiplicativeDecrease <= 1 {
		c.MultiplicativeDecrease = 2
	}
	if c.DisableAbove <= 0 {
		c.DisableAbove = 0.2
	}
	if c.EnableAfter < 1 {
		c.EnableAfter = 10
	}
	return c
}

// QualityController degrades the amount of work a handler does per event
// when sustained latency is high, and restores it slowly when latency is
// low. Handlers read Quality and scale their work by it.
//
// It is driven by the 90th percentile response time, read from p90 every
// Every completions.
type QualityController struct {
	cfg QualityConfig
	p90 func() time.Duration

	mu       sync.Mutex
	quality  float64
	count    int
	minTicks int
}

// NewQualityController creates a controller starting at MaxQuality. If a
// coupled controller is configured it is disabled.
func NewQualityController(p90 func() time.Duration, cfg QualityConfig) *QualityController {
	cfg = cfg.normalized()
	if cfg.Coupled != nil {
		cfg.Coupled.Disable()
	}
	return &QualityController{cfg: cfg, p90: p90, quality: cfg.MaxQuality}
}

// Quality returns the current level in [MinQuality, MaxQuality].
func (c *QualityController) Quality() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Target returns the target 90th percentile response time.
func (c *QualityController) Target() time.Duration {
	return c.cfg.Target
}

// Completed records n completed events and adjusts the level once every
// Every completions.
func (c *QualityController) Completed(n int) {
	c.mu.Lock()
	c.count += n
	if c.count < c.cfg.Every {
		c.mu.Unlock()
		return
	}
	c.count = 0
	c.mu.Unlock()

	c.Adjust()
}

// Adjust applies the control law once using the current 90th percentile.
func (c *QualityController) Adjust() {
	rt := float64(c.p90())
	target := float64(c.cfg.Target)

	c.mu.Lock()
	from := c.quality
	q := from
	var enable, disable bool

	switch {
	case rt < qualityVeryLowWater*target:
		c.minTicks = 0
		q = math.Min(q*c.cfg.MultiplicativeDecrease, c.cfg.MaxQuality)
		disable = true
	case rt < qualityLowWater*target:
		c.minTicks = 0
		q = math.Min(q+c.cfg.AdditiveIncrease, c.cfg.MaxQuality)
		disable = q >= c.cfg.DisableAbove
	case rt > qualityVeryHighWater*target:
		enable = true
		q = math.Max(q/c.cfg.MultiplicativeDecrease, c.cfg.MinQuality)
	case rt > qualityHighWater*target:
		q = math.Max(q/c.cfg.MultiplicativeDecrease, c.cfg.MinQuality)
		if q <= c.cfg.MinQuality {
			c.minTicks++
			enable = c.minTicks >= c.cfg.EnableAfter
		}
	}
	c.quality = q
	c.mu.Unlock()

	if c.cfg.Coupled != nil {
		switch {
		case enable:
			c.cfg.Coupled.Enable()
		case disable:
			c.cfg.Coupled.Disable()
		}
	}
	if q != from {
		observability.LogQualityChange(c.cfg.Logger, c.cfg.Stage, from, q)
		if c.cfg.OnChange != nil {
			c.cfg.OnChange(from, q)
		}
	}
}
