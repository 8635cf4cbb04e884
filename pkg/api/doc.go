// Package api serves the engine's HTTP and WebSocket surface: job and
// workflow submission, runtime/volume/network management, log streaming and
// host metrics. Callers are classified into read/write/admin capabilities
// from the TLS client certificate OU or, behind TLS termination, the
// X-Joblet-Role header.
package api
