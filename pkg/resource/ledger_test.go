package resource

import (
	"testing"

	"github.com/jsturma/joblet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTotals() Totals {
	return Totals{
		Cores:       8,
		MemoryBytes: 16 * 1000 * 1000 * 1000,
		GPUs: []GPU{
			{Index: 0, MemoryMB: 8192},
			{Index: 1, MemoryMB: 16384},
			{Index: 2, MemoryMB: 16384},
		},
	}
}

func TestReserveLowestCores(t *testing.T) {
	l := NewLedger(testTotals())

	a, err := l.Reserve("a", types.ResourceRequest{MaxCPU: 200})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, a.Cores)

	b, err := l.Reserve("b", types.ResourceRequest{MaxCPU: 150}) // rounds up to 2 cores
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, b.Cores)

	l.Release("a")
	c, err := l.Reserve("c", types.ResourceRequest{MaxCPU: 100})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, c.Cores)
}

func TestReserveExplicitMask(t *testing.T) {
	l := NewLedger(testTotals())

	a, err := l.Reserve("a", types.ResourceRequest{CPUCores: "0-1"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, a.Cores)

	// overlapping mask must fail exactly, not shift
	_, err = l.Reserve("b", types.ResourceRequest{CPUCores: "1-2"})
	assert.ErrorIs(t, err, ErrInsufficient)

	// out of range core
	_, err = l.Reserve("c", types.ResourceRequest{CPUCores: "8"})
	assert.ErrorIs(t, err, ErrInsufficient)
}

func TestReserveMemory(t *testing.T) {
	l := NewLedger(testTotals())

	_, err := l.Reserve("a", types.ResourceRequest{MaxMemory: 10 * 1000 * 1000 * 1000})
	require.NoError(t, err)

	_, err = l.Reserve("b", types.ResourceRequest{MaxMemory: 10 * 1000 * 1000 * 1000})
	assert.ErrorIs(t, err, ErrInsufficient)

	l.Release("a")
	_, err = l.Reserve("b", types.ResourceRequest{MaxMemory: 10 * 1000 * 1000 * 1000})
	assert.NoError(t, err)
}

func TestReserveGPUFirstFit(t *testing.T) {
	l := NewLedger(testTotals())

	a, err := l.Reserve("a", types.ResourceRequest{GPUCount: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, a.GPUs)

	// gpu 0 is too small for this bound, skip to 1 and 2
	b, err := l.Reserve("b", types.ResourceRequest{GPUCount: 2, GPUMemoryMB: 10000})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, b.GPUs)

	_, err = l.Reserve("c", types.ResourceRequest{GPUCount: 1})
	assert.ErrorIs(t, err, ErrInsufficient)
}

func TestGPUIndicesDisjoint(t *testing.T) {
	l := NewLedger(testTotals())

	seen := make(map[int]bool)
	for _, id := range []string{"a", "b", "c"} {
		res, err := l.Reserve(id, types.ResourceRequest{GPUCount: 1})
		require.NoError(t, err)
		for _, g := range res.GPUs {
			assert.False(t, seen[g], "gpu %d reserved twice", g)
			seen[g] = true
		}
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l := NewLedger(testTotals())

	_, err := l.Reserve("a", types.ResourceRequest{MaxCPU: 100, MaxMemory: 1000})
	require.NoError(t, err)

	l.Release("a")
	l.Release("a")
	l.Release("never-reserved")

	snap := l.Snapshot()
	assert.Equal(t, testTotals().MemoryBytes, snap.FreeMemory)
	assert.Len(t, snap.FreeCores, 8)
	assert.Empty(t, snap.Reservations)
}

func TestReserveReleaseIdentity(t *testing.T) {
	l := NewLedger(testTotals())
	before := l.Snapshot()

	res, err := l.Reserve("a", types.ResourceRequest{
		MaxCPU: 300, MaxMemory: 4 * 1000 * 1000 * 1000, GPUCount: 2,
	})
	require.NoError(t, err)
	l.Release(res.JobID)

	after := l.Snapshot()
	assert.Equal(t, before, after)
}

func TestAtomicFailureLeavesLedgerUntouched(t *testing.T) {
	l := NewLedger(testTotals())
	before := l.Snapshot()

	// memory fits, gpu demand does not: nothing must be claimed
	_, err := l.Reserve("a", types.ResourceRequest{
		MaxMemory: 1000, GPUCount: 5,
	})
	require.ErrorIs(t, err, ErrInsufficient)

	assert.Equal(t, before, l.Snapshot())
}

func TestSnapshotSums(t *testing.T) {
	l := NewLedger(testTotals())

	_, err := l.Reserve("a", types.ResourceRequest{MaxCPU: 200, MaxMemory: 1000})
	require.NoError(t, err)
	_, err = l.Reserve("b", types.ResourceRequest{MaxCPU: 100, MaxMemory: 2000})
	require.NoError(t, err)

	snap := l.Snapshot()
	var reserved int64
	var cores int
	for _, r := range snap.Reservations {
		reserved += r.MemoryBytes
		cores += len(r.Cores)
	}
	assert.Equal(t, int64(3000), reserved)
	assert.Equal(t, snap.Totals.MemoryBytes-reserved, snap.FreeMemory)
	assert.Equal(t, snap.Totals.Cores-cores, len(snap.FreeCores))
}

func TestDoubleReserveSameJob(t *testing.T) {
	l := NewLedger(testTotals())
	_, err := l.Reserve("a", types.ResourceRequest{MaxCPU: 100})
	require.NoError(t, err)
	_, err = l.Reserve("a", types.ResourceRequest{MaxCPU: 100})
	assert.Error(t, err)
}
