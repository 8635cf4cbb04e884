// Package resource implements the resource ledger: host capacity discovery
// and atomic reserve/release of CPU cores, memory and GPUs.
package resource
