//go:build linux

package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Sampler reads host metrics from procfs. CPU utilisation is derived from
// the delta between consecutive samples; the first sample reports 0.
type Sampler struct {
	fs       procfs.FS
	stateDir string

	mu       sync.Mutex
	prevBusy float64
	prevAll  float64
}

// NewSampler creates a sampler rooted at procRoot (normally /proc). Disk
// figures come from the filesystem holding stateDir.
func NewSampler(procRoot, stateDir string) (*Sampler, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &Sampler{fs: fs, stateDir: stateDir}, nil
}

// Sample takes one reading
func (s *Sampler) Sample() (*SystemSample, error) {
	out := &SystemSample{Timestamp: time.Now()}

	stat, err := s.fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to read stat: %w", err)
	}
	cpu := stat.CPUTotal
	idle := cpu.Idle + cpu.Iowait
	busy := cpu.User + cpu.Nice + cpu.System + cpu.IRQ + cpu.SoftIRQ + cpu.Steal
	all := busy + idle

	s.mu.Lock()
	if s.prevAll > 0 && all > s.prevAll {
		out.CPUPercent = 100 * (busy - s.prevBusy) / (all - s.prevAll)
	}
	s.prevBusy, s.prevAll = busy, all
	s.mu.Unlock()

	mem, err := s.fs.Meminfo()
	if err != nil {
		return nil, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if mem.MemTotal != nil {
		out.MemoryTotal = *mem.MemTotal * 1024
	}
	if mem.MemAvailable != nil {
		out.MemoryAvailable = *mem.MemAvailable * 1024
	}

	if load, err := s.fs.LoadAvg(); err == nil {
		out.Load1, out.Load5, out.Load15 = load.Load1, load.Load5, load.Load15
	}

	var fsStat unix.Statfs_t
	if err := unix.Statfs(s.stateDir, &fsStat); err == nil {
		out.DiskTotal = fsStat.Blocks * uint64(fsStat.Bsize)
		out.DiskFree = fsStat.Bavail * uint64(fsStat.Bsize)
	}
	return out, nil
}
