package event

import "time"

// Signal event types.
const (
	TypeSinkClosed  = "sink.closed"
	TypeSinkClogged = "sink.clogged"
	TypeSinkDrained = "sink.drained"
)

// SinkClosed is delivered to a queue's notify sink when the queue's
// consumer end has gone away. Producers holding a reference to the closed
// sink should stop writing to it.
type SinkClosed struct {
	// Sink is the closed sink. Its concrete type is the queue's sink view.
	Sink any
	At   time.Time
}

// SinkClogged is delivered when a sink has rejected writes persistently.
// Flow-control aware stages use it to throttle or close the offending
// producer.
type SinkClogged struct {
	Sink any
	// Dropped is the event whose rejection tripped the signal.
	Dropped Event
	// Rejections is the number of consecutive rejections observed.
	Rejections int
	At         time.Time
}

// SinkDrained is delivered when a previously clogged sink has emptied,
// meaning held buffers or continuations can be released.
type SinkDrained struct {
	Sink any
	At   time.Time
}

// NewSinkClosed creates a SinkClosed signal for sink.
func NewSinkClosed(sink any) *SinkClosed {
	return &SinkClosed{Sink: sink, At: time.Now()}
}

// NewSinkClogged creates a SinkClogged signal for sink.
func NewSinkClogged(sink any, dropped Event, rejections int) *SinkClogged {
	return &SinkClogged{Sink: sink, Dropped: dropped, Rejections: rejections, At: time.Now()}
}

// NewSinkDrained creates a SinkDrained signal for sink.
func NewSinkDrained(sink any) *SinkDrained {
	return &SinkDrained{Sink: sink, At: time.Now()}
}

// ID implements Event. Signals carry no identity of their own.
func (s *SinkClosed) ID() string           { return "" }
func (s *SinkClosed) Type() string         { return TypeSinkClosed }
func (s *SinkClosed) Timestamp() time.Time { return s.At }
func (s *SinkClosed) Data() any            { return s.Sink }

func (s *SinkClogged) ID() string           { return "" }
func (s *SinkClogged) Type() string         { return TypeSinkClogged }
func (s *SinkClogged) Timestamp() time.Time { return s.At }
func (s *SinkClogged) Data() any            { return s.Sink }

func (s *SinkDrained) ID() string           { return "" }
func (s *SinkDrained) Type() string         { return TypeSinkDrained }
func (s *SinkDrained) Timestamp() time.Time { return s.At }
func (s *SinkDrained) Data() any            { return s.Sink }

// IsSignal reports whether evt is one of the sink signal events.
func IsSignal(evt Event) bool {
	switch evt.(type) {
	case *SinkClosed, *SinkClogged, *SinkDrained:
		return true
	}
	return false
}
