package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jsturma/joblet/pkg/types"
)

const (
	sliceName = "joblet.slice"
	cpuPeriod = 100000
	// io.max is per block device; limits apply to the primary disk
	ioDevice = "8:0"
)

// CgroupDriver manages per-job cgroup v2 leaves
type CgroupDriver interface {
	// EnsureControllers enables cpu, cpuset, memory and io on the slice
	EnsureControllers() error
	// Create makes the leaf for a job and returns its path
	Create(jobID string) (string, error)
	// Apply writes the job's limits into the leaf
	Apply(path string, req types.ResourceRequest, res *types.Reservation) error
	// Remove tears the leaf down. Idempotent.
	Remove(path string) error
}

// cgroupFS is the real cgroup v2 driver rooted at the host cgroup mount
type cgroupFS struct {
	root string // e.g. /sys/fs/cgroup
}

// NewCgroupDriver returns the cgroup v2 filesystem driver
func NewCgroupDriver(root string) CgroupDriver {
	return &cgroupFS{root: root}
}

func (c *cgroupFS) slicePath() string {
	return filepath.Join(c.root, sliceName)
}

func (c *cgroupFS) EnsureControllers() error {
	if err := os.MkdirAll(c.slicePath(), 0755); err != nil {
		return fmt.Errorf("failed to create slice: %w", err)
	}
	// enable controllers for children of the root and of the slice
	for _, dir := range []string{c.root, c.slicePath()} {
		ctl := filepath.Join(dir, "cgroup.subtree_control")
		if err := os.WriteFile(ctl, []byte("+cpu +cpuset +memory +io"), 0644); err != nil {
			return fmt.Errorf("failed to enable controllers in %s: %w", dir, err)
		}
	}
	return nil
}

func (c *cgroupFS) Create(jobID string) (string, error) {
	leaf := filepath.Join(c.slicePath(), "job-"+jobID)
	if err := os.Mkdir(leaf, 0755); err != nil {
		return "", fmt.Errorf("failed to create cgroup leaf: %w", err)
	}
	return leaf, nil
}

func (c *cgroupFS) Apply(path string, req types.ResourceRequest, res *types.Reservation) error {
	write := func(name, value string) error {
		if err := os.WriteFile(filepath.Join(path, name), []byte(value), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		return nil
	}

	if req.MaxCPU > 0 {
		quota := int64(req.MaxCPU) * cpuPeriod / 100
		if err := write("cpu.max", fmt.Sprintf("%d %d", quota, cpuPeriod)); err != nil {
			return err
		}
	}
	if len(res.Cores) > 0 {
		if err := write("cpuset.cpus", types.FormatCoreMask(res.Cores)); err != nil {
			return err
		}
	}
	if req.MaxMemory > 0 {
		if err := write("memory.max", strconv.FormatInt(req.MaxMemory, 10)); err != nil {
			return err
		}
	}
	if req.MaxIOBPS > 0 {
		line := fmt.Sprintf("%s rbps=%d wbps=%d", ioDevice, req.MaxIOBPS, req.MaxIOBPS)
		if err := write("io.max", line); err != nil {
			return err
		}
	}
	return nil
}

func (c *cgroupFS) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cgroup leaf: %w", err)
	}
	return nil
}
