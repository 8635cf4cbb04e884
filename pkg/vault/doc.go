// Package vault keeps per-job secret environment variables in memory,
// encrypted, erased at terminal transition. Secrets never reach the job
// record or the log bus.
package vault
