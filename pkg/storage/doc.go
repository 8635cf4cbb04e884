// Package storage persists engine state: a BoltDB catalog for volumes and
// networks, and JSON file records for terminal jobs and workflows under the
// state directory.
package storage
