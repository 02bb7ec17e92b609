// Package storage persists the small amount of state the daemon keeps
// across restarts:
//
//   - an audit log of control operations (enable/disable, interval, reload)
//   - dedup markers used by the dedup processor
//
// Drivers: "file" (JSON Lines + snapshot), "sqlite" (modernc.org/sqlite) and
// an in-memory store used when persistence is disabled.
package storage
