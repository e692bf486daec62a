// Package control holds the feedback loops that tune stages while they run.
//
// SizeController grows and shrinks per-stage worker pools from queue
// occupancy. ResponseTimeController moves a stage's admission threshold to
// hold response time near a target. QualityController applies the same
// additive-increase/multiplicative-decrease law to a work-quantity knob a
// handler reads, instead of to admission.
//
// Controllers own their state; workers only report samples. A window with
// no samples is a no-op, never an error.
package control
