package stageflow

import (
	"context"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/stageflow/pkg/stageflow/batch"
	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
)

// dispatch runs one batch through the stage's handler and feeds the
// result to the stage's statistics and controllers. It is the fault
// boundary: nothing the handler does escapes it except a deliberate exit
// in fail-fast mode.
//
// The batch's Done hook runs after the handler returns, exactly once,
// whether or not the handler failed.
func (r *Runtime) dispatch(st *Stage, b *batch.Batch) {
	evts := b.Events
	n := len(evts)

	st.inflight.Add(1)
	ctx, span := r.rc.spans.StartBatchSpan(context.Background(), st.name, n)
	took := observability.TimedOperation()

	fault := st.invoke(evts)
	elapsed := took()
	b.Done()

	end := r.rc.now()
	st.inflight.Add(-1)

	var err error
	if fault != nil {
		err = fault
		r.rc.spans.AddSpanEvent(ctx, "handler_fault",
			attribute.Bool("panicked", fault.Panicked()),
			attribute.Int("events", fault.Events),
		)
	}
	r.rc.metrics.RecordBatch(ctx, st.name, n, elapsed, err)
	r.rc.spans.EndSpanWithError(span, err)

	st.stats.RecordServiceRate(n, elapsed)
	for _, evt := range evts {
		ts := evt.Timestamp()
		if ts.IsZero() {
			continue
		}
		rt := end.Sub(ts)
		st.stats.RecordResponseTime(rt)
		if st.rt != nil {
			st.rt.Observe(rt)
		}
	}
	if st.quality != nil {
		st.quality.Completed(n)
	}

	if fault != nil {
		r.fault(st, fault)
	}
}

// invoke calls HandleEvents, converting a returned error or a panic into
// a HandlerFault.
func (s *Stage) invoke(evts []event.Event) (fault *HandlerFault) {
	defer func() {
		if v := recover(); v != nil {
			fault = &HandlerFault{
				Stage:  s.name,
				Events: len(evts),
				Value:  v,
				Stack:  string(debug.Stack()),
			}
		}
	}()

	if err := s.handler.HandleEvents(evts); err != nil {
		return &HandlerFault{Stage: s.name, Events: len(evts), Err: err}
	}
	return nil
}

func (r *Runtime) fault(st *Stage, fault *HandlerFault) {
	observability.LogHandlerFault(r.rc.logger, st.name, fault.Events, fault)
	r.faults.Record(fault)
	if r.settings.CrashOnException {
		st.logger.Error("fail-fast: exiting on handler fault")
		r.rc.exit(1)
	}
}
