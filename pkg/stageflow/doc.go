/*
Package stageflow is a staged event-driven runtime for building highly
concurrent servers without a thread per request.

# Overview

A server is split into stages. Each stage is a queue plus an event
handler; stages form pipelines by enqueuing the events they produce onto
the queues of other stages. The runtime keeps every stage fed with the
right number of workers and sheds load at admission, before queueing
delay builds up, using feedback controllers instead of hand tuning.

# Basic Usage

	type parser struct {
	    stageflow.BaseHandler
	    out queue.Sink
	}

	func (p *parser) Init(ctx *stageflow.InitContext) error {
	    var err error
	    p.out, err = ctx.SinkFor("store")
	    return err
	}

	func (p *parser) HandleEvents(evts []event.Event) error {
	    for _, evt := range evts {
	        p.out.EnqueueLossy(parse(evt))
	    }
	    return nil
	}

	func main() {
	    rt, err := stageflow.New(config.New(nil))
	    if err != nil {
	        log.Fatal(err)
	    }
	    rt.AddStage("parse", &parser{})
	    rt.AddStage("store", storer)

	    if err := rt.Start(ctx); err != nil {
	        log.Fatal(err)
	    }
	    defer rt.Stop(ctx)

	    sink, _ := rt.Sink("parse")
	    if !sink.EnqueueLossy(event.NewAny("request", raw)) {
	        // overloaded: reply busy
	    }
	}

# Handlers

EventHandler has Init, HandleEvents and Destroy. Handlers are Concurrent
unless they implement Moder and return Exclusive (or the stage is added
with WithMode). An Exclusive handler never has two HandleEvents calls in
flight. PerEvent adapts a handler that processes one event at a time.

A handler that returns an error or panics fails only its batch. The fault
is logged, recorded in Faults() and counted in metrics; the worker keeps
going. With global.crashOnException set the process exits instead.

# Thread Managers

global.threadManager selects the scheduling discipline:

  - "tps" (thread pool per stage): every stage has its own worker pool,
    bounded by threadPool.minThreads and maxThreads. Idle workers retire
    after threadPool.idleTime; the size controller grows pools whose
    queues stay above threadPool.sizeController.threshold.
  - "tpp" (thread per processor): tpp.numCPUs workers are shared by all
    stages. An idle worker picks the stage with the most pending events,
    skipping Exclusive stages another worker holds, and sleeps until the
    next enqueue when nothing is pending.

# Admission Control

Every stage queue has a threshold predicate; enqueues are refused once the
queue holds that many events. With rtController.enable the threshold is
moved by a response-time controller: additive increase while the smoothed
response time is under 0.9 of the target, halving while it is over 1.1.
WithQualityController adds a second knob that handlers read to scale the
work done per event.

# Configuration

	global:
	  threadManager: tps
	  threadPool:
	    maxThreads: 16
	    sizeController:
	      enable: true
	  rtController:
	    enable: true
	    targetResponseTime: 100ms
	stages:
	  parse:
	    queueThreshold: 256
	    threadPool:
	      maxThreads: 4

Values under stages.<name> override the global ones for that stage and
are handed to the handler's Init.

# Observability

Logging uses log/slog via WithLogger. WithMetrics and WithTracing plug in
the OpenTelemetry recorders from the observability package. With
global.profile.enable a profiler samples queue length, threshold, live
threads, 90th percentile response time and quality of every stage, and
records each threshold and quality change as it happens.
*/
package stageflow
