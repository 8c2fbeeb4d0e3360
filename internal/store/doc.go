// Package store provides SQLite-backed run history.
//
// Each recorded run keeps its summary, its outcomes in evaluation order,
// its scenario aborts, and the canonical JSON report. Runs are
// append-only; writing a run id twice is a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait on lock contention
//   - foreign_keys=ON: Outcomes and aborts reference their run
//   - PRAGMA user_version: Incremental migrations
package store
