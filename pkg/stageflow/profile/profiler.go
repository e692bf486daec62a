// Package profile samples runtime gauges (queue lengths, thresholds, live
// threads, response times) on a fixed period and stores them for later
// inspection.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
)

// ErrDuplicateGauge is returned by Add for a name already registered.
var ErrDuplicateGauge = errors.New("gauge already registered")

// Gauge reports the current value of a profiled quantity.
type Gauge func() float64

type namedGauge struct {
	name  string
	gauge Gauge
}

// Profiler reads every registered gauge once per Sample and appends the
// readings to a Store, tagged with a per-profiler run ID.
type Profiler struct {
	runID  string
	store  Store
	delay  time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	gauges []namedGauge
}

// Option configures a Profiler.
type Option func(*Profiler)

// WithDelay sets the sampling period used by Run. Default 1s.
func WithDelay(d time.Duration) Option {
	return func(p *Profiler) {
		if d > 0 {
			p.delay = d
		}
	}
}

// WithLogger sets the logger for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Profiler) {
		p.logger = logger
	}
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(p *Profiler) {
		p.runID = id
	}
}

// New creates a profiler writing to store. A nil store uses a MemoryStore.
func New(store Store, opts ...Option) *Profiler {
	if store == nil {
		store = NewMemoryStore(0)
	}
	p := &Profiler{
		runID: uuid.New().String(),
		store: store,
		delay: time.Second,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunID identifies this profiler's samples in the store.
func (p *Profiler) RunID() string { return p.runID }

// Store returns the backing store.
func (p *Profiler) Store() Store { return p.store }

// Add registers a gauge.
func (p *Profiler) Add(name string, g Gauge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ng := range p.gauges {
		if ng.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateGauge, name)
		}
	}
	p.gauges = append(p.gauges, namedGauge{name: name, gauge: g})
	return nil
}

// Remove unregisters a gauge. Unknown names are ignored.
func (p *Profiler) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ng := range p.gauges {
		if ng.name == name {
			p.gauges = append(p.gauges[:i], p.gauges[i+1:]...)
			return
		}
	}
}

// Names returns the registered gauge names in registration order.
func (p *Profiler) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.gauges))
	for i, ng := range p.gauges {
		names[i] = ng.name
	}
	return names
}

// Sample reads every gauge once and appends the readings.
func (p *Profiler) Sample(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	gauges := append([]namedGauge(nil), p.gauges...)
	p.mu.Unlock()

	if len(gauges) == 0 {
		return nil
	}
	at := p.now()
	samples := make([]Sample, len(gauges))
	for i, ng := range gauges {
		samples[i] = Sample{RunID: p.runID, Name: ng.name, Value: ng.gauge(), At: at}
	}
	return p.store.Append(samples)
}

// Record appends a single reading outside the sampling period. Controllers
// use it to persist each decision as it is made.
func (p *Profiler) Record(name string, value float64) error {
	return p.store.Append([]Sample{{RunID: p.runID, Name: name, Value: value, At: p.now()}})
}

// Query returns recent samples of one gauge.
func (p *Profiler) Query(name string, limit int) ([]Sample, error) {
	return p.store.Query(name, limit)
}

// Run samples every delay until ctx is done. Store failures are logged
// and do not stop the loop.
func (p *Profiler) Run(ctx context.Context) {
	ticker := time.NewTicker(p.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Sample(ctx); err != nil && ctx.Err() == nil {
				observability.LogStoreError(p.logger, "append", err)
			}
		}
	}
}
