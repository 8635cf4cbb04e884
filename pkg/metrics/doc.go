// Package metrics exports the engine's prometheus instrumentation and a
// procfs-backed system sampler feeding the metrics stream.
package metrics
