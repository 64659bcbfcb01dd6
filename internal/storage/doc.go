// Package storage persists scheduler run history.
//
// It currently supports:
//   - Run record appends (one per terminal task outcome)
//   - Recent-run queries for operator inspection
package storage
