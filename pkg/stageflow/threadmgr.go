package stageflow

import (
	"context"
	"time"
)

// ThreadManager is a scheduling discipline: it turns queued events into
// handler calls. Both disciplines guarantee an Exclusive stage is never
// dispatched by two workers at once, and that a stage with queued work is
// eventually scheduled.
type ThreadManager interface {
	// Name returns the discipline name ("tps" or "tpp").
	Name() string

	// Register starts scheduling a stage. Stages registered before Start
	// are scheduled once Start runs.
	Register(st *Stage) error

	// Deregister stops scheduling a stage and waits, up to ctx, for its
	// in-flight batches.
	Deregister(ctx context.Context, st *Stage) error

	Start(ctx context.Context) error

	// Stop stops every worker and waits for them, up to ctx.
	Stop(ctx context.Context) error

	// Notify is called after every successful enqueue on a registered
	// stage's queue.
	Notify()
}

// waitIdle polls until the stage has no batch in flight.
func waitIdle(ctx context.Context, st *Stage) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for st.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
