package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is the unit of work passed between stages.
// Events are immutable once created; a stage that needs to change one
// creates a new event.
type Event interface {
	// ID is a unique identifier, used for logging and diagnostics only.
	ID() string

	// Type names the kind of event (e.g., "http.request", "sink.closed").
	Type() string

	// Timestamp is when the event was created. Response time is measured
	// from this instant to the moment a handler finishes with the event.
	Timestamp() time.Time

	// Data returns the payload.
	Data() any
}

// SessionKeyer is implemented by events that belong to a logical session
// (a connection, a user, a document). Session-ordered batch sorters never
// hand two events with the same key to concurrent handler calls.
type SessionKeyer interface {
	SessionKey() string
}

// Metadata contains common event metadata fields.
type Metadata struct {
	EventID   string    `json:"id"`
	EventType string    `json:"type"`
	Session   string    `json:"session,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BaseEvent provides a generic event implementation.
// T is the payload type for type-safe access.
type BaseEvent[T any] struct {
	Meta    Metadata `json:"metadata"`
	Payload T        `json:"payload"`
}

// ID returns the unique event identifier.
func (e *BaseEvent[T]) ID() string {
	return e.Meta.EventID
}

// Type returns the event type.
func (e *BaseEvent[T]) Type() string {
	return e.Meta.EventType
}

// Timestamp returns when the event was created.
func (e *BaseEvent[T]) Timestamp() time.Time {
	return e.Meta.CreatedAt
}

// Data returns the event payload.
func (e *BaseEvent[T]) Data() any {
	return e.Payload
}

// TypedData returns the strongly-typed payload.
func (e *BaseEvent[T]) TypedData() T {
	return e.Payload
}

// SessionKey returns the session the event belongs to, or "" if none.
func (e *BaseEvent[T]) SessionKey() string {
	return e.Meta.Session
}

// Option configures event creation.
type Option func(*eventConfig)

type eventConfig struct {
	id        string
	session   string
	timestamp time.Time
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithSession assigns the event to a logical session.
func WithSession(key string) Option {
	return func(cfg *eventConfig) {
		cfg.session = key
	}
}

// WithTimestamp sets a specific creation time (default: time.Now()).
// Producers that forward work on behalf of an earlier request should pass
// the original arrival time so response time covers the whole pipeline.
func WithTimestamp(t time.Time) Option {
	return func(cfg *eventConfig) {
		cfg.timestamp = t
	}
}

// New creates a new event with the given type and payload.
func New[T any](eventType string, payload T, opts ...Option) *BaseEvent[T] {
	cfg := &eventConfig{
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.New().String()
	}

	return &BaseEvent[T]{
		Meta: Metadata{
			EventID:   cfg.id,
			EventType: eventType,
			Session:   cfg.session,
			CreatedAt: cfg.timestamp,
		},
		Payload: payload,
	}
}

// NewAny creates a new event with an untyped (any) payload.
func NewAny(eventType string, payload any, opts ...Option) *BaseEvent[any] {
	return New(eventType, payload, opts...)
}
