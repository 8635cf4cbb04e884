// Package types defines the core domain types shared across the Joblet
// engine: jobs, workflows, runtime manifests, volumes, networks, resource
// reservations and log records.
package types
