// Package logbus is the per-job pub-sub log fabric: a bounded in-memory ring
// of recent records, an append-only file per job, and non-blocking fan-out to
// live subscribers. Slow subscribers are disconnected with an overflow marker
// rather than ever blocking the writer.
package logbus
