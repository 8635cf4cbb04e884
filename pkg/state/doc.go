// Package state implements the job state machine: a sharded in-memory job
// registry whose transitions follow the lifecycle graph, with optimistic
// from-state checks, terminal-record persistence and ordered observer
// notification.
package state
