package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jsturma/joblet/pkg/logbus"
	"github.com/jsturma/joblet/pkg/resource"
	"github.com/jsturma/joblet/pkg/sandbox"
	"github.com/jsturma/joblet/pkg/state"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntimes struct{}

func (fakeRuntimes) Lookup(name string) (*types.RuntimeManifest, string, error) {
	if name != "host" {
		return nil, "", errors.New("not found")
	}
	return &types.RuntimeManifest{Name: "host"}, "", nil
}

type fakeBuilder struct {
	mu      sync.Mutex
	builds  int
	cleaned int
	fail    bool
}

func (f *fakeBuilder) Build(ctx context.Context, job *types.Job, m *types.RuntimeManifest,
	root string, res *types.Reservation, secrets map[string]string) (*sandbox.LaunchSpec, error) {
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()
	if f.fail {
		return nil, errors.New("build boom")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &sandbox.LaunchSpec{JobID: job.ID}, nil
}

func (f *fakeBuilder) Cleanup(spec *sandbox.LaunchSpec) error {
	f.mu.Lock()
	f.cleaned++
	f.mu.Unlock()
	return nil
}

func (f *fakeBuilder) cleanups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleaned
}

type fakeProc struct {
	done chan struct{}
	code int
}

func newFakeProc() *fakeProc              { return &fakeProc{done: make(chan struct{})} }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) ExitCode() int         { return p.code }

func (p *fakeProc) exit(code int) {
	p.code = code
	close(p.done)
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs map[string]*fakeProc
	fail  bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: make(map[string]*fakeProc)}
}

func (f *fakeLauncher) Launch(ctx context.Context, spec *sandbox.LaunchSpec) (Process, error) {
	if f.fail {
		return nil, errors.New("spawn boom")
	}
	p := newFakeProc()
	f.mu.Lock()
	f.procs[spec.JobID] = p
	f.mu.Unlock()
	return p, nil
}

func (f *fakeLauncher) Stop(ctx context.Context, p Process) error {
	p.(*fakeProc).exit(143)
	return nil
}

func (f *fakeLauncher) proc(jobID string) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[jobID]
}

type fakeVault struct {
	mu    sync.Mutex
	store map[string]map[string]string
}

func newFakeVault() *fakeVault { return &fakeVault{store: make(map[string]map[string]string)} }

func (f *fakeVault) Put(jobID string, s map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[jobID] = s
	return nil
}

func (f *fakeVault) Get(jobID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store[jobID], nil
}

func (f *fakeVault) Erase(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.store, jobID)
}

type fakeCatalog struct {
	mu       sync.Mutex
	networks map[string]int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{networks: map[string]int{"bridge": 0}}
}

func (f *fakeCatalog) AcquireVolumes(names []string) error { return nil }
func (f *fakeCatalog) ReleaseVolumes(names []string) error { return nil }

func (f *fakeCatalog) AcquireNetwork(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[name]; !ok {
		return errors.New("network not found")
	}
	f.networks[name]++
	return nil
}

func (f *fakeCatalog) ReleaseNetwork(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.networks[name] > 0 {
		f.networks[name]--
	}
	return nil
}

func (f *fakeCatalog) networkUsers(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name]
}

type fixture struct {
	sched    *Scheduler
	state    *state.Machine
	launcher *fakeLauncher
	builder  *fakeBuilder
	vault    *fakeVault
	catalog  *fakeCatalog
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	bus, err := logbus.NewBus(t.TempDir(), 64, 16)
	require.NoError(t, err)
	t.Cleanup(bus.Stop)

	st := state.NewMachine(nil)
	t.Cleanup(st.Close)

	launcher := newFakeLauncher()
	builder := &fakeBuilder{}
	vault := newFakeVault()
	catalog := newFakeCatalog()

	sched := New(Deps{
		State:    st,
		Ledger:   resource.NewLedger(resource.Totals{Cores: 8, MemoryBytes: 16 << 30}),
		Bus:      bus,
		Runtimes: fakeRuntimes{},
		Builder:  builder,
		Launcher: launcher,
		Secrets:  vault,
		Catalog:  catalog,
		Workers:  workers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	t.Cleanup(cancel)

	return &fixture{sched: sched, state: st, launcher: launcher, builder: builder, vault: vault, catalog: catalog, cancel: cancel}
}

func (f *fixture) waitStatus(t *testing.T, jobID string, want types.JobStatus) *types.Job {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		job, err := f.state.Get(jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s stuck in %s, want %s", jobID, job.Status, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func submit(t *testing.T, f *fixture, mutate func(*types.Job)) *types.Job {
	t.Helper()
	job := &types.Job{Command: "true"}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, f.sched.Submit(job, nil))
	return job
}

func TestJobRunsToCompletion(t *testing.T) {
	f := newFixture(t, 2)
	job := submit(t, f, nil)

	f.waitStatus(t, job.ID, types.StatusRunning)
	f.launcher.proc(job.ID).exit(0)

	got := f.waitStatus(t, job.ID, types.StatusCompleted)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, 1, f.builder.cleanups())
}

func TestNonZeroExitFails(t *testing.T) {
	f := newFixture(t, 2)
	job := submit(t, f, nil)

	f.waitStatus(t, job.ID, types.StatusRunning)
	f.launcher.proc(job.ID).exit(7)

	got := f.waitStatus(t, job.ID, types.StatusFailed)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 7, *got.ExitCode)
}

func TestWorkerCapBoundsParallelism(t *testing.T) {
	f := newFixture(t, 1)
	first := submit(t, f, nil)
	second := submit(t, f, nil)

	f.waitStatus(t, first.ID, types.StatusRunning)

	// the second job must not start while the slot is held
	time.Sleep(50 * time.Millisecond)
	got, err := f.state.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)

	f.launcher.proc(first.ID).exit(0)
	f.waitStatus(t, second.ID, types.StatusRunning)
	f.launcher.proc(second.ID).exit(0)
	f.waitStatus(t, second.ID, types.StatusCompleted)
}

func TestBuildFailureReleasesAndFails(t *testing.T) {
	f := newFixture(t, 2)
	f.builder.fail = true
	job := submit(t, f, nil)

	f.waitStatus(t, job.ID, types.StatusFailed)

	// reservation released: a follow-up job can take the whole machine
	f.builder.fail = false
	next := submit(t, f, func(j *types.Job) { j.Resources.MaxCPU = 800 })
	f.waitStatus(t, next.ID, types.StatusRunning)
	f.launcher.proc(next.ID).exit(0)
}

func TestUnknownRuntimeRejected(t *testing.T) {
	f := newFixture(t, 2)
	err := f.sched.Submit(&types.Job{Command: "true", Runtime: "nope"}, nil)
	assert.ErrorIs(t, err, ErrUnknownRuntime)
}

func TestInsufficientResourcesWaits(t *testing.T) {
	f := newFixture(t, 4)
	hog := submit(t, f, func(j *types.Job) { j.Resources.MaxCPU = 800 })
	f.waitStatus(t, hog.ID, types.StatusRunning)

	small := submit(t, f, func(j *types.Job) { j.Resources.MaxCPU = 100 })
	time.Sleep(50 * time.Millisecond)
	got, err := f.state.Get(small.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)

	f.launcher.proc(hog.ID).exit(0)
	f.waitStatus(t, small.ID, types.StatusRunning)
	f.launcher.proc(small.ID).exit(0)
}

func TestStopQueuedJob(t *testing.T) {
	f := newFixture(t, 1)
	running := submit(t, f, nil)
	f.waitStatus(t, running.ID, types.StatusRunning)

	queued := submit(t, f, nil)
	require.NoError(t, f.sched.Stop(context.Background(), queued.ID, ""))

	got := f.waitStatus(t, queued.ID, types.StatusStopped)
	assert.Equal(t, types.ReasonUserStop, got.StopReason)
	assert.Nil(t, got.ExitCode)

	f.launcher.proc(running.ID).exit(0)
}

func TestStopRunningJob(t *testing.T) {
	f := newFixture(t, 2)
	job := submit(t, f, nil)
	f.waitStatus(t, job.ID, types.StatusRunning)

	require.NoError(t, f.sched.Stop(context.Background(), job.ID, ""))

	got := f.waitStatus(t, job.ID, types.StatusStopped)
	assert.Equal(t, types.ReasonUserStop, got.StopReason)
	assert.Nil(t, got.ExitCode)
}

func TestStopTerminalReturnsAlreadyTerminal(t *testing.T) {
	f := newFixture(t, 2)
	job := submit(t, f, nil)
	f.waitStatus(t, job.ID, types.StatusRunning)
	f.launcher.proc(job.ID).exit(0)
	f.waitStatus(t, job.ID, types.StatusCompleted)

	err := f.sched.Stop(context.Background(), job.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestDependencyGating(t *testing.T) {
	f := newFixture(t, 4)
	parent := submit(t, f, nil)
	f.waitStatus(t, parent.ID, types.StatusRunning)

	child := submit(t, f, func(j *types.Job) {
		j.Dependencies = []types.Dependency{{JobID: parent.ID}}
	})
	time.Sleep(50 * time.Millisecond)
	got, err := f.state.Get(child.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)

	f.launcher.proc(parent.ID).exit(0)
	f.waitStatus(t, child.ID, types.StatusRunning)
	f.launcher.proc(child.ID).exit(0)
}

func TestContradictedDependencyStopsChild(t *testing.T) {
	f := newFixture(t, 4)
	parent := submit(t, f, nil)
	f.waitStatus(t, parent.ID, types.StatusRunning)

	child := submit(t, f, func(j *types.Job) {
		j.Dependencies = []types.Dependency{{JobID: parent.ID, Require: types.StatusCompleted}}
	})

	f.launcher.proc(parent.ID).exit(3) // parent FAILED, child required COMPLETED

	got := f.waitStatus(t, child.ID, types.StatusStopped)
	assert.Equal(t, types.ReasonDependencyUnsatisfied, got.StopReason)
}

func TestFailureConditionDependency(t *testing.T) {
	f := newFixture(t, 4)
	parent := submit(t, f, nil)
	f.waitStatus(t, parent.ID, types.StatusRunning)

	onFail := submit(t, f, func(j *types.Job) {
		j.Dependencies = []types.Dependency{{JobID: parent.ID, Require: types.StatusFailed}}
	})

	f.launcher.proc(parent.ID).exit(3)
	f.waitStatus(t, onFail.ID, types.StatusRunning)
	f.launcher.proc(onFail.ID).exit(0)
}

func TestStoppedDependencySatisfiesNeither(t *testing.T) {
	f := newFixture(t, 4)
	parent := submit(t, f, nil)
	f.waitStatus(t, parent.ID, types.StatusRunning)

	onOK := submit(t, f, func(j *types.Job) {
		j.Dependencies = []types.Dependency{{JobID: parent.ID, Require: types.StatusCompleted}}
	})
	onFail := submit(t, f, func(j *types.Job) {
		j.Dependencies = []types.Dependency{{JobID: parent.ID, Require: types.StatusFailed}}
	})

	require.NoError(t, f.sched.Stop(context.Background(), parent.ID, ""))
	f.waitStatus(t, parent.ID, types.StatusStopped)

	a := f.waitStatus(t, onOK.ID, types.StatusStopped)
	b := f.waitStatus(t, onFail.ID, types.StatusStopped)
	assert.Equal(t, types.ReasonDependencyUnsatisfied, a.StopReason)
	assert.Equal(t, types.ReasonDependencyUnsatisfied, b.StopReason)
}

func TestScheduledJobParksThenRuns(t *testing.T) {
	f := newFixture(t, 2)
	when := time.Now().Add(150 * time.Millisecond)
	job := submit(t, f, func(j *types.Job) { j.Schedule = &when })

	got := f.waitStatus(t, job.ID, types.StatusScheduled)
	assert.Equal(t, types.StatusScheduled, got.Status)

	f.waitStatus(t, job.ID, types.StatusRunning)
	f.launcher.proc(job.ID).exit(0)
	f.waitStatus(t, job.ID, types.StatusCompleted)
}

func TestTimeoutStopsJob(t *testing.T) {
	f := newFixture(t, 2)
	job := submit(t, f, func(j *types.Job) { j.Timeout = 50 * time.Millisecond })

	f.waitStatus(t, job.ID, types.StatusRunning)
	got := f.waitStatus(t, job.ID, types.StatusStopped)
	assert.Equal(t, types.ReasonTimeout, got.StopReason)
}

func TestDeleteRunningRefused(t *testing.T) {
	f := newFixture(t, 2)
	job := submit(t, f, nil)
	f.waitStatus(t, job.ID, types.StatusRunning)

	err := f.sched.Delete(job.ID)
	assert.ErrorIs(t, err, state.ErrStillRunning)

	f.launcher.proc(job.ID).exit(0)
	f.waitStatus(t, job.ID, types.StatusCompleted)
	assert.NoError(t, f.sched.Delete(job.ID))
}

func TestDeleteAllReportsPerJob(t *testing.T) {
	f := newFixture(t, 1)
	running := submit(t, f, nil)
	f.waitStatus(t, running.ID, types.StatusRunning)

	done := submit(t, f, nil)
	require.NoError(t, f.sched.Stop(context.Background(), done.ID, ""))
	f.waitStatus(t, done.ID, types.StatusStopped)

	// held in the queue by the occupied worker slot
	queued := submit(t, f, nil)

	// parked for a future schedule time
	when := time.Now().Add(time.Hour)
	parked := submit(t, f, func(j *types.Job) { j.Schedule = &when })
	f.waitStatus(t, parked.ID, types.StatusScheduled)

	deleted, skipped := f.sched.DeleteAll()
	assert.Equal(t, []string{done.ID, queued.ID}, deleted)
	assert.Equal(t, []string{running.ID, parked.ID}, skipped)

	_, err := f.state.Get(queued.ID)
	assert.ErrorIs(t, err, state.ErrNotFound)

	f.launcher.proc(running.ID).exit(0)
}

func TestNetworkHeldWhileRunning(t *testing.T) {
	f := newFixture(t, 2)
	job := submit(t, f, func(j *types.Job) { j.Network = "bridge" })

	f.waitStatus(t, job.ID, types.StatusRunning)
	assert.Equal(t, 1, f.catalog.networkUsers("bridge"))

	f.launcher.proc(job.ID).exit(0)
	f.waitStatus(t, job.ID, types.StatusCompleted)
	assert.Equal(t, 0, f.catalog.networkUsers("bridge"))
}

func TestUnknownNetworkFailsJob(t *testing.T) {
	f := newFixture(t, 2)
	job := submit(t, f, func(j *types.Job) { j.Network = "nope" })

	got := f.waitStatus(t, job.ID, types.StatusFailed)
	assert.Equal(t, types.StatusFailed, got.Status)
}

func TestSecretsErasedAtTerminal(t *testing.T) {
	f := newFixture(t, 2)
	job := &types.Job{Command: "true"}
	require.NoError(t, f.sched.Submit(job, map[string]string{"API_KEY": "s3cret"}))

	f.waitStatus(t, job.ID, types.StatusRunning)
	f.vault.mu.Lock()
	_, held := f.vault.store[job.ID]
	f.vault.mu.Unlock()
	assert.True(t, held)

	f.launcher.proc(job.ID).exit(0)
	f.waitStatus(t, job.ID, types.StatusCompleted)

	deadline := time.After(time.Second)
	for {
		f.vault.mu.Lock()
		_, held = f.vault.store[job.ID]
		f.vault.mu.Unlock()
		if !held {
			break
		}
		select {
		case <-deadline:
			t.Fatal("secret not erased after terminal")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
