package profile

import (
	"errors"
	"time"
)

// Sample is one reading of a named gauge.
type Sample struct {
	RunID string
	Name  string
	Value float64
	At    time.Time
}

// Store persists profiler samples.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores a batch of samples.
	Append(samples []Sample) error

	// Query returns the most recent samples for a gauge across all runs,
	// oldest first. limit <= 0 returns everything.
	// Returns an empty slice (not an error) for unknown gauges.
	Query(name string, limit int) ([]Sample, error)

	// Close releases any resources (connections, files).
	Close() error
}

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = errors.New("profile store closed")
