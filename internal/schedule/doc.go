// Package schedule provides the clock and cancellable delayed-task
// abstraction used by every timer in the aggregator.
//
// Production code uses Real. Tests use Manual and call Advance, which runs
// due tasks synchronously in deadline order so backoff and flush timing can
// be asserted without sleeping.
package schedule
