// Package supervisor starts sandboxed job processes and owns their whole
// process lifetime: cgroup placement at clone time, namespace entry via a
// re-exec'd init shim, stdio capture into the log bus, pidfd-based
// signalling and exit reaping.
package supervisor
