// Package security provides the local certificate authority used to
// bootstrap mTLS: a self-signed root, a server certificate for the API
// listener and client certificates whose OU names the caller's role.
package security
