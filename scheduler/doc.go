// Package scheduler implements a bounded-concurrency task scheduler.
//
// A Scheduler pulls task factories off an unbounded FIFO queue, runs at
// most K of them at a time, paces starts within each execution slot, and
// optionally re-emits completions in original submission order even though
// tasks finish out of order. Failures flow through a configurable policy:
// fail the whole scheduler, discard the task, or retry with a backoff
// ladder first.
//
// Lifecycle notifications are published on an eventbus.Bus supplied via
// WithBus; see events.go for the event names and payloads.
package scheduler
