// Package event defines the unit of work exchanged between stages.
//
// # Event Interface
//
// Every event carries an ID, a type, a creation timestamp and a payload.
// The timestamp doubles as the start of response-time measurement: when a
// handler finishes with an event, now minus Timestamp is the sample fed to
// the stage's response-time controller.
//
//	evt := event.New("order.created", OrderPayload{...})
//	typed := evt.TypedData()
//
// Events that belong to a logical session implement SessionKeyer so that
// session-ordered batch sorters can serialize them:
//
//	evt := event.New("conn.read", buf, event.WithSession(connID))
//
// # Sink Signals
//
// Queues push three signal events to a configured notify sink:
//
//   - SinkClosed: the consumer end of a queue is gone
//   - SinkClogged: the queue has rejected writes repeatedly
//   - SinkDrained: a clogged queue has emptied again
//
// Use IsSignal to separate them from ordinary work in a handler.
package event
