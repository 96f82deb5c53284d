// Package store provides SQLite-backed durable state for the probe runtime.
//
// The store keeps:
//   - Sources: every source key the runtime has seen, with its type and
//     canonical configuration
//   - Requests: one row per (source, requester), last write wins
//   - Run state: last run time and last run parameters per source
//   - Checkpoints: opaque incremental-scan cursors per source
//   - Records: emitted data waiting to be sealed into an archive batch
//
// Source keys come from ir.SourceKey, so the same (type, configuration)
// pair maps onto the same rows across restarts.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Times are stored as unix milliseconds; zero means unset.
package store
