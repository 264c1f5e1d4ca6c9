// Package store is the SQLite persistence layer.
//
// It holds:
//   - The weekly schedule config (single-row JSON payload)
//   - Queue entries (scheduled slots and their execution state)
//   - Post records (content items and their remote publish state)
//
// Status changes go through compare-and-set updates (UPDATE ... WHERE
// status=?) so raced transitions fail cleanly instead of clobbering.
// Legality of transitions is enforced by the queue and post packages;
// this package only guarantees atomicity.
package store
