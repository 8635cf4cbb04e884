package resource

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jsturma/joblet/pkg/config"
	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
)

// ErrInsufficient indicates a reservation could not be satisfied in at least
// one dimension.
var ErrInsufficient = errors.New("insufficient resources")

// GPU is one reservable device
type GPU struct {
	Index    int
	MemoryMB int64
}

// Totals is the host capacity discovered at startup
type Totals struct {
	Cores       int
	MemoryBytes int64
	GPUs        []GPU
}

// Snapshot is a consistent view of totals, free capacity and reservations
type Snapshot struct {
	Totals       Totals
	FreeCores    []int
	FreeMemory   int64
	FreeGPUs     []int
	Reservations []types.Reservation
}

// Ledger tracks reservations against host totals. All mutations go through
// a single critical section.
type Ledger struct {
	mu           sync.Mutex
	totals       Totals
	coreUsed     map[int]string // core index -> job id
	gpuUsed      map[int]string // gpu index -> job id
	memReserved  int64
	reservations map[string]*types.Reservation
	logger       zerolog.Logger
}

// NewLedger creates a ledger over the given totals
func NewLedger(totals Totals) *Ledger {
	return &Ledger{
		totals:       totals,
		coreUsed:     make(map[int]string),
		gpuUsed:      make(map[int]string),
		reservations: make(map[string]*types.Reservation),
		logger:       log.WithComponent("resource"),
	}
}

// DiscoverTotals reads host capacity from procfs and merges the configured
// GPU inventory.
func DiscoverTotals(procRoot string, gpus []config.GPUSpec) (Totals, error) {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to open procfs: %w", err)
	}

	cpuinfo, err := fs.CPUInfo()
	if err != nil {
		return Totals{}, fmt.Errorf("failed to read cpuinfo: %w", err)
	}
	meminfo, err := fs.Meminfo()
	if err != nil {
		return Totals{}, fmt.Errorf("failed to read meminfo: %w", err)
	}

	t := Totals{Cores: len(cpuinfo)}
	if meminfo.MemTotal != nil {
		t.MemoryBytes = int64(*meminfo.MemTotal) * 1024 // meminfo reports kB
	}
	for _, g := range gpus {
		t.GPUs = append(t.GPUs, GPU{Index: g.Index, MemoryMB: g.MemoryMB})
	}
	return t, nil
}

// coresNeeded derives the core count from the request: an explicit mask wins,
// otherwise the aggregated percentage rounded up to whole cores.
func coresNeeded(req types.ResourceRequest) (explicit []int, count int, err error) {
	if req.CPUCores != "" {
		explicit, err = types.ParseCoreMask(req.CPUCores)
		if err != nil {
			return nil, 0, err
		}
		return explicit, len(explicit), nil
	}
	if req.MaxCPU > 0 {
		return nil, (req.MaxCPU + 99) / 100, nil
	}
	return nil, 0, nil
}

// Reserve atomically claims cores, memory and GPUs for a job. Core selection
// takes the lowest-numbered free cores; an explicit mask must be satisfiable
// exactly. GPU selection is first-fit by index. Fails with ErrInsufficient if
// any dimension cannot be met, leaving the ledger untouched.
func (l *Ledger) Reserve(jobID string, req types.ResourceRequest) (*types.Reservation, error) {
	explicit, count, err := coresNeeded(req)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.reservations[jobID]; ok {
		return nil, fmt.Errorf("job %s already holds a reservation", jobID)
	}

	// cores
	var cores []int
	if explicit != nil {
		for _, c := range explicit {
			if c >= l.totals.Cores {
				return nil, fmt.Errorf("core %d does not exist: %w", c, ErrInsufficient)
			}
			if _, busy := l.coreUsed[c]; busy {
				return nil, fmt.Errorf("core %d busy: %w", c, ErrInsufficient)
			}
		}
		cores = explicit
	} else if count > 0 {
		for c := 0; c < l.totals.Cores && len(cores) < count; c++ {
			if _, busy := l.coreUsed[c]; !busy {
				cores = append(cores, c)
			}
		}
		if len(cores) < count {
			return nil, fmt.Errorf("need %d cores, %d free: %w", count, len(cores), ErrInsufficient)
		}
	}

	// memory
	if req.MaxMemory > 0 && l.memReserved+req.MaxMemory > l.totals.MemoryBytes {
		return nil, fmt.Errorf("need %d bytes, %d free: %w",
			req.MaxMemory, l.totals.MemoryBytes-l.memReserved, ErrInsufficient)
	}

	// gpus, first-fit by index with the per-device memory bound
	var gpus []int
	if req.GPUCount > 0 {
		for _, g := range l.totals.GPUs {
			if len(gpus) == req.GPUCount {
				break
			}
			if _, busy := l.gpuUsed[g.Index]; busy {
				continue
			}
			if req.GPUMemoryMB > 0 && g.MemoryMB < req.GPUMemoryMB {
				continue
			}
			gpus = append(gpus, g.Index)
		}
		if len(gpus) < req.GPUCount {
			return nil, fmt.Errorf("need %d gpus, %d available: %w",
				req.GPUCount, len(gpus), ErrInsufficient)
		}
	}

	res := &types.Reservation{
		JobID:       jobID,
		Cores:       cores,
		MemoryBytes: req.MaxMemory,
		GPUs:        gpus,
	}
	for _, c := range cores {
		l.coreUsed[c] = jobID
	}
	for _, g := range gpus {
		l.gpuUsed[g] = jobID
	}
	l.memReserved += req.MaxMemory
	l.reservations[jobID] = res

	l.logger.Debug().Str("job_id", jobID).Ints("cores", cores).
		Int64("memory", req.MaxMemory).Ints("gpus", gpus).Msg("reserved")

	cp := *res
	return &cp, nil
}

// Release returns a job's reservation to the pool. Idempotent.
func (l *Ledger) Release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[jobID]
	if !ok {
		return
	}
	for _, c := range res.Cores {
		delete(l.coreUsed, c)
	}
	for _, g := range res.GPUs {
		delete(l.gpuUsed, g)
	}
	l.memReserved -= res.MemoryBytes
	delete(l.reservations, jobID)

	l.logger.Debug().Str("job_id", jobID).Msg("released")
}

// Snapshot returns a deep copy of the ledger state for observability
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Totals:     l.totals,
		FreeMemory: l.totals.MemoryBytes - l.memReserved,
	}
	for c := 0; c < l.totals.Cores; c++ {
		if _, busy := l.coreUsed[c]; !busy {
			snap.FreeCores = append(snap.FreeCores, c)
		}
	}
	for _, g := range l.totals.GPUs {
		if _, busy := l.gpuUsed[g.Index]; !busy {
			snap.FreeGPUs = append(snap.FreeGPUs, g.Index)
		}
	}
	sort.Ints(snap.FreeGPUs)
	for _, res := range l.reservations {
		cp := *res
		cp.Cores = append([]int(nil), res.Cores...)
		cp.GPUs = append([]int(nil), res.GPUs...)
		snap.Reservations = append(snap.Reservations, cp)
	}
	sort.Slice(snap.Reservations, func(i, j int) bool {
		return snap.Reservations[i].JobID < snap.Reservations[j].JobID
	})
	return snap
}
