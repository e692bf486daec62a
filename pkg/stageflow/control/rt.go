package control

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
)

// Control law marks, as fractions of the target response time.
const (
	rtLowMark  = 0.9
	rtHighMark = 1.1
)

// Thresholder is an admission predicate whose threshold can be moved.
// queue.ThresholdPredicate implements it.
type Thresholder interface {
	Threshold() int
	SetThreshold(int)
}

// RTConfig tunes a ResponseTimeController.
type RTConfig struct {
	// Stage names the controlled stage in logs.
	Stage string

	// Target is the response time to hold. Default 1s.
	Target time.Duration

	// Smoothing is the EWMA weight of the previous estimate. Default 0.5.
	Smoothing float64

	// Window is the number of samples between adjustments. Default 200.
	Window int

	// MinThreshold and MaxThreshold bound the threshold. Defaults 1 and 1024.
	MinThreshold int
	MaxThreshold int

	// AdditiveStep is added when response time is under target. Default 2.
	AdditiveStep int

	// InitialThreshold is pushed into the predicate by the constructor.
	// 0 uses MinThreshold.
	InitialThreshold int

	Logger *slog.Logger

	// OnChange, if set, is called after every threshold move.
	OnChange func(from, to int)
}

// DefaultRTConfig returns the default controller settings.
func DefaultRTConfig() RTConfig {
	return RTConfig{
		Target:       time.Second,
		Smoothing:    0.5,
		Window:       200,
		MinThreshold: 1,
		MaxThreshold: 1024,
		AdditiveStep: 2,
	}
}

func (c RTConfig) normalized() RTConfig {
	d := DefaultRTConfig()
	if c.Target <= 0 {
		c.Target = d.Target
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		c.Smoothing = d.Smoothing
	}
	if c.Window < 1 {
		c.Window = d.Window
	}
	if c.MinThreshold < 1 {
		c.MinThreshold = d.MinThreshold
	}
	if c.MaxThreshold < c.MinThreshold {
		c.MaxThreshold = max(d.MaxThreshold, c.MinThreshold)
	}
	if c.AdditiveStep < 1 {
		c.AdditiveStep = d.AdditiveStep
	}
	if c.InitialThreshold == 0 {
		c.InitialThreshold = c.MinThreshold
	}
	c.InitialThreshold = min(max(c.InitialThreshold, c.MinThreshold), c.MaxThreshold)
	return c
}

// ResponseTimeController holds a stage's response time near a target by
// moving its admission threshold: additive increase while under
// 0.9*Target, halving while over 1.1*Target, once per Window samples.
type ResponseTimeController struct {
	cfg  RTConfig
	pred Thresholder

	enabled atomic.Bool

	mu        sync.Mutex
	currentRT float64 // nanoseconds
	count     int

	adjMu sync.Mutex
}

// NewResponseTimeController creates an enabled controller and sets the
// predicate to the initial threshold.
func NewResponseTimeController(pred Thresholder, cfg RTConfig) *ResponseTimeController {
	cfg = cfg.normalized()
	c := &ResponseTimeController{cfg: cfg, pred: pred}
	c.enabled.Store(true)
	pred.SetThreshold(cfg.InitialThreshold)
	return c
}

// Target returns the target response time.
func (c *ResponseTimeController) Target() time.Duration {
	return c.cfg.Target
}

// Threshold returns the current admission threshold.
func (c *ResponseTimeController) Threshold() int {
	return c.pred.Threshold()
}

// CurrentRT returns the smoothed response time estimate.
func (c *ResponseTimeController) CurrentRT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.currentRT)
}

// Enable resumes threshold adjustments.
func (c *ResponseTimeController) Enable() { c.enabled.Store(true) }

// Disable suspends threshold adjustments. Samples are still folded into
// the estimate so it is current when the controller is re-enabled.
func (c *ResponseTimeController) Disable() { c.enabled.Store(false) }

// Enabled reports whether adjustments are active.
func (c *ResponseTimeController) Enabled() bool { return c.enabled.Load() }

// Observe folds one response time sample into the estimate and adjusts
// the threshold at the end of each window.
func (c *ResponseTimeController) Observe(sample time.Duration) {
	c.mu.Lock()
	c.currentRT = c.cfg.Smoothing*c.currentRT + (1-c.cfg.Smoothing)*float64(sample)
	c.count++
	if c.count < c.cfg.Window {
		c.mu.Unlock()
		return
	}
	c.count = 0
	rt := time.Duration(c.currentRT)
	c.mu.Unlock()

	if c.enabled.Load() {
		c.adjust(rt)
	}
}

// AdjustThreshold observes the response time of every event in a
// completed batch, measured from the event's timestamp to now.
func (c *ResponseTimeController) AdjustThreshold(evts []event.Event, now time.Time) {
	for _, evt := range evts {
		c.Observe(now.Sub(evt.Timestamp()))
	}
}

func (c *ResponseTimeController) adjust(rt time.Duration) {
	c.adjMu.Lock()
	defer c.adjMu.Unlock()

	from := c.pred.Threshold()
	to := from
	target := float64(c.cfg.Target)

	switch {
	case float64(rt) < rtLowMark*target:
		to = min(from+c.cfg.AdditiveStep, c.cfg.MaxThreshold)
	case float64(rt) > rtHighMark*target:
		to = max(from/2, c.cfg.MinThreshold, 1)
	}
	if to == from {
		return
	}

	c.pred.SetThreshold(to)
	observability.LogThresholdChange(c.cfg.Logger, c.cfg.Stage, from, to, rt)
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(from, to)
	}
}
