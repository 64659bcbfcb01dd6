// Package spool ingests ad-hoc jobs from a drop directory.
//
// Operators drop a small YAML file describing a one-shot job; the watcher
// parses it, hands it to the configured handler exactly once, and renames
// the file to mark it consumed (.done) or rejected (.failed).
package spool
