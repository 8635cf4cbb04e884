package sandbox

// Mounter performs the bind and tmpfs mounts a sandbox is built from
type Mounter interface {
	Bind(source, target string, readonly bool) error
	Tmpfs(target string, sizeBytes int64) error
	Unmount(target string) error
}
