// Package volume manages named storage areas mountable into sandboxes:
// catalog bookkeeping, backing directories for filesystem volumes and the
// in-use guard against deletion.
package volume
