// Package client is a Go client for the engine's HTTP API, including
// WebSocket log streaming.
package client
