package stageflow

import (
	"log/slog"

	"github.com/randalmurphal/stageflow/pkg/stageflow/config"
	"github.com/randalmurphal/stageflow/pkg/stageflow/control"
	"github.com/randalmurphal/stageflow/pkg/stageflow/queue"
	"github.com/randalmurphal/stageflow/pkg/stageflow/stats"
)

// InitContext is handed to EventHandler.Init. It gives the handler its
// configuration and the sinks it will enqueue to.
//
// The context stays valid for the handler's lifetime; handlers may keep it.
type InitContext struct {
	stage   *Stage
	runtime *Runtime
}

// Stage returns the stage name.
func (c *InitContext) Stage() string { return c.stage.name }

// Config returns the stage configuration: stages.<name> overlaid with any
// WithStageConfig values.
func (c *InitContext) Config() config.Config { return c.stage.cfg }

// Global returns the full runtime configuration.
func (c *InitContext) Global() config.Config { return c.runtime.cfg }

// Logger returns a logger enriched with the stage name and thread manager.
// Never nil.
func (c *InitContext) Logger() *slog.Logger { return c.stage.logger }

// Sink returns the stage's own sink.
func (c *InitContext) Sink() queue.Sink { return c.stage.queue }

// SinkFor returns the sink of another stage, for wiring pipelines.
func (c *InitContext) SinkFor(name string) (queue.Sink, error) {
	return c.runtime.Sink(name)
}

// Stats returns the stage's statistics.
func (c *InitContext) Stats() *stats.Stats { return c.stage.stats }

// ResponseTime returns the stage's response-time controller, or nil if
// the stage has none.
func (c *InitContext) ResponseTime() *control.ResponseTimeController { return c.stage.rt }

// Quality returns the stage's quality controller, or nil. Handlers that
// can degrade their work read Quality() per event.
func (c *InitContext) Quality() *control.QualityController { return c.stage.quality }
