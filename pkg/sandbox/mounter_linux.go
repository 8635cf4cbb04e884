//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// unixMounter is the real mount(2) implementation
type unixMounter struct{}

// NewMounter returns the syscall-backed mounter
func NewMounter() Mounter {
	return unixMounter{}
}

func (unixMounter) Bind(source, target string, readonly bool) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to bind %s -> %s: %w", source, target, err)
	}
	if readonly {
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if err := unix.Mount("", target, "", flags, ""); err != nil {
			// leave the target unmounted rather than writable
			_ = unix.Unmount(target, unix.MNT_DETACH)
			return fmt.Errorf("failed to remount %s readonly: %w", target, err)
		}
	}
	return nil
}

func (unixMounter) Tmpfs(target string, sizeBytes int64) error {
	opts := ""
	if sizeBytes > 0 {
		opts = fmt.Sprintf("size=%d", sizeBytes)
	}
	if err := unix.Mount("tmpfs", target, "tmpfs", 0, opts); err != nil {
		return fmt.Errorf("failed to mount tmpfs at %s: %w", target, err)
	}
	return nil
}

func (unixMounter) Unmount(target string) error {
	err := unix.Unmount(target, unix.MNT_DETACH)
	if err != nil && err != unix.EINVAL && err != unix.ENOENT {
		return fmt.Errorf("failed to unmount %s: %w", target, err)
	}
	return nil
}
