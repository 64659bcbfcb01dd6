// Package cronfeed turns recurring job definitions into timed firings.
//
// It wraps robfig/cron with a small schedule grammar: plain cron
// expressions, "@every"/"@hourly" descriptors, bare Go durations,
// interval HH:MM forms, and explicit "cron:"/"interval:" prefixes.
// Each firing invokes a caller-supplied callback, which in the daemon
// enqueues a task factory into the scheduler.
package cronfeed
