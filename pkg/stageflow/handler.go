package stageflow

import (
	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
)

// Mode is a handler's concurrency capability.
type Mode int

const (
	// Concurrent handlers may run on several workers at once, each with a
	// different batch.
	Concurrent Mode = iota

	// Exclusive handlers never have more than one HandleEvents call in
	// flight, whatever the thread manager or worker count.
	Exclusive
)

// String returns "concurrent" or "exclusive".
func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "concurrent"
}

// EventHandler is the business logic of a stage.
//
// Init is called once before any events are delivered. HandleEvents is
// called with every dispatched batch for the stage's lifetime. Destroy is
// called once, after the runtime guarantees no further delivery.
//
// An error returned from HandleEvents, or a panic inside it, fails that
// batch only. The events are not re-enqueued.
type EventHandler interface {
	Init(ctx *InitContext) error
	HandleEvents(evts []event.Event) error
	Destroy() error
}

// Moder is implemented by handlers that declare their Mode. Handlers that
// do not implement it are Concurrent unless the stage is added with
// WithMode.
type Moder interface {
	Mode() Mode
}

// ModeOf returns the declared mode of h, or Concurrent.
func ModeOf(h EventHandler) Mode {
	if m, ok := h.(Moder); ok {
		return m.Mode()
	}
	return Concurrent
}

// SingleEventHandler handles one event at a time. Wrap it with PerEvent to
// use it as a stage handler.
type SingleEventHandler interface {
	Init(ctx *InitContext) error
	HandleEvent(evt event.Event) error
	Destroy() error
}

// PerEvent adapts a SingleEventHandler to EventHandler. Events of a batch
// are handled in order; the first error stops the batch. The wrapped
// handler's Mode, if declared, is kept.
func PerEvent(h SingleEventHandler) EventHandler {
	return &perEvent{h: h}
}

type perEvent struct {
	h SingleEventHandler
}

func (p *perEvent) Init(ctx *InitContext) error { return p.h.Init(ctx) }
func (p *perEvent) Destroy() error              { return p.h.Destroy() }

func (p *perEvent) HandleEvents(evts []event.Event) error {
	for _, evt := range evts {
		if err := p.h.HandleEvent(evt); err != nil {
			return err
		}
	}
	return nil
}

func (p *perEvent) Mode() Mode {
	if m, ok := p.h.(Moder); ok {
		return m.Mode()
	}
	return Concurrent
}

// BaseHandler provides no-op Init and Destroy for embedding.
type BaseHandler struct{}

// Init does nothing.
func (BaseHandler) Init(*InitContext) error { return nil }

// Destroy does nothing.
func (BaseHandler) Destroy() error { return nil }

// HandlerFunc adapts a function to a concurrent EventHandler with no-op
// Init and Destroy.
type HandlerFunc func(evts []event.Event) error

// Init does nothing.
func (HandlerFunc) Init(*InitContext) error { return nil }

// HandleEvents calls f(evts).
func (f HandlerFunc) HandleEvents(evts []event.Event) error { return f(evts) }

// Destroy does nothing.
func (HandlerFunc) Destroy() error { return nil }
