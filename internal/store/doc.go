// Package store provides SQLite-backed storage for simulation runs.
//
// A run is one execution of a harness scenario: its pass/fail outcome,
// assertion errors, per-channel queue statistics and the full trace.
//
// # Critical Patterns
//
// Deterministic ordering:
//   - Trace events are keyed by (run_id, seq) and always read ORDER BY seq
//   - Runs list ORDER BY created_at ASC, id COLLATE BINARY ASC
//
// Write-once runs:
//   - WriteRun inserts a run and its events in one transaction
//   - Writing the same run id twice is rejected
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
