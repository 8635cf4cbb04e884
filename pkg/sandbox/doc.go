// Package sandbox builds the isolated execution environment a job runs in:
// a cgroup v2 leaf carrying the resource limits, a staged filesystem view
// assembled from runtime mounts, volumes and uploads, and the derived
// environment. Construction is transactional; a failed build unwinds every
// step it already applied.
package sandbox
