package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/logbus"
	"github.com/jsturma/joblet/pkg/resource"
	"github.com/jsturma/joblet/pkg/sandbox"
	"github.com/jsturma/joblet/pkg/state"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyTerminal = errors.New("job already terminal")
	ErrUnknownRuntime  = errors.New("unknown runtime")
)

// RuntimeSource resolves runtime names to manifests
type RuntimeSource interface {
	Lookup(name string) (*types.RuntimeManifest, string, error)
}

// SandboxBuilder constructs and tears down execution environments
type SandboxBuilder interface {
	Build(ctx context.Context, job *types.Job, manifest *types.RuntimeManifest,
		runtimeRoot string, res *types.Reservation, secrets map[string]string) (*sandbox.LaunchSpec, error)
	Cleanup(spec *sandbox.LaunchSpec) error
}

// Process is a launched job process
type Process interface {
	Done() <-chan struct{}
	ExitCode() int
}

// Launcher starts and stops job processes
type Launcher interface {
	Launch(ctx context.Context, spec *sandbox.LaunchSpec) (Process, error)
	Stop(ctx context.Context, p Process) error
}

// SecretVault holds secret env vars keyed by job id
type SecretVault interface {
	Put(jobID string, secrets map[string]string) error
	Get(jobID string) (map[string]string, error)
	Erase(jobID string)
}

// Catalog tracks volume and network in-use counts
type Catalog interface {
	AcquireVolumes(names []string) error
	ReleaseVolumes(names []string) error
	AcquireNetwork(name string) error
	ReleaseNetwork(name string) error
}

// Arbiter is consulted before a job with a contradicted dependency is
// stopped; a retrying resolver can report the dependency as still pending.
type Arbiter interface {
	// Unsatisfiable reports whether the dependency can never be satisfied
	Unsatisfiable(job *types.Job, dep types.Dependency) bool
}

// Deps bundles the components the scheduler drives
type Deps struct {
	State    *state.Machine
	Ledger   *resource.Ledger
	Bus      *logbus.Bus
	Runtimes RuntimeSource
	Builder  SandboxBuilder
	Launcher Launcher
	Secrets  SecretVault
	Catalog  Catalog
	Arbiter  Arbiter // optional
	Workers  int
}

type activeJob struct {
	cancelBuild context.CancelFunc

	mu         sync.Mutex
	proc       Process
	stopReason string // non-empty once a stop was requested
}

func (a *activeJob) requestStop(reason string) (Process, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopReason != "" {
		return nil, false
	}
	a.stopReason = reason
	return a.proc, true
}

func (a *activeJob) stopRequested() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopReason
}

// Scheduler admits queued jobs into execution, bounded by the worker cap,
// honoring schedule times and dependency conditions.
type Scheduler struct {
	deps   Deps
	wake   chan struct{}
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*activeJob
}

// New creates a scheduler; call Run to start the admission loop
func New(deps Deps) *Scheduler {
	return &Scheduler{
		deps:   deps,
		wake:   make(chan struct{}, 1),
		logger: log.WithComponent("scheduler"),
		active: make(map[string]*activeJob),
	}
}

// SetArbiter installs the dependency arbiter. Must be called before Run.
func (s *Scheduler) SetArbiter(a Arbiter) {
	s.deps.Arbiter = a
}

// Kick wakes the admission loop
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit registers a new job and queues it for admission. secrets, if any,
// go to the vault and never into the persisted job record.
func (s *Scheduler) Submit(job *types.Job, secrets map[string]string) error {
	if job.Runtime == "" {
		job.Runtime = "host"
	}
	if _, _, err := s.deps.Runtimes.Lookup(job.Runtime); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownRuntime, job.Runtime)
	}
	if err := s.deps.State.Create(job); err != nil {
		return err
	}
	if len(secrets) > 0 {
		if err := s.deps.Secrets.Put(job.ID, secrets); err != nil {
			return err
		}
	}
	if err := s.deps.Bus.Open(job.ID); err != nil {
		return err
	}
	s.deps.Bus.Append(job.ID, types.ChannelSystem, []byte("job queued"))

	if job.Schedule != nil && job.Schedule.After(time.Now()) {
		err := s.deps.State.Transition(job.ID, types.StatusQueued, types.StatusScheduled, nil)
		if err == nil {
			s.deps.Bus.Append(job.ID, types.ChannelSystem,
				[]byte("scheduled for "+job.Schedule.Format(time.RFC3339)))
		}
	}
	s.Kick()
	return nil
}

// Run drives the admission loop until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		next := s.pass(ctx)
		if next > 0 {
			timer.Reset(next)
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			if next > 0 && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
	}
}

// pass runs one admission sweep and returns the wait until the nearest
// parked schedule time (0 when there is none).
func (s *Scheduler) pass(ctx context.Context) time.Duration {
	now := time.Now()
	jobs := s.deps.State.List()

	candidates := jobs[:0:0]
	var nearest time.Duration
	for _, j := range jobs {
		switch j.Status {
		case types.StatusQueued:
			candidates = append(candidates, j)
		case types.StatusScheduled:
			if j.Schedule == nil || !j.Schedule.After(now) {
				candidates = append(candidates, j)
			} else if d := j.Schedule.Sub(now); nearest == 0 || d < nearest {
				nearest = d
			}
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[k].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
		}
		return candidates[i].Sequence < candidates[k].Sequence
	})

	for _, job := range candidates {
		s.mu.Lock()
		slots := s.deps.Workers - len(s.active)
		s.mu.Unlock()
		if slots <= 0 {
			break
		}

		switch s.checkDependencies(job) {
		case depsWaiting:
			continue
		case depsUnsatisfiable:
			s.stopUnsatisfiable(job)
			continue
		}

		if job.Status == types.StatusQueued && job.Schedule != nil && job.Schedule.After(now) {
			// park: no worker slot, released by the timer
			if s.deps.State.Transition(job.ID, types.StatusQueued, types.StatusScheduled, nil) == nil {
				if d := job.Schedule.Sub(now); nearest == 0 || d < nearest {
					nearest = d
				}
			}
			continue
		}

		res, err := s.deps.Ledger.Reserve(job.ID, job.Resources)
		if err != nil {
			if errors.Is(err, resource.ErrInsufficient) {
				continue
			}
			s.failQueued(job, err)
			continue
		}
		if !s.admit(ctx, job, res) {
			s.deps.Ledger.Release(job.ID)
		}
	}
	return nearest
}

type depsResult int

const (
	depsReady depsResult = iota
	depsWaiting
	depsUnsatisfiable
)

func (s *Scheduler) checkDependencies(job *types.Job) depsResult {
	for _, dep := range job.Dependencies {
		require := dep.Require
		if require == "" {
			require = types.StatusCompleted
		}
		depJob, err := s.deps.State.Get(dep.JobID)
		if err != nil {
			return depsUnsatisfiable
		}
		if depJob.Status == require {
			continue
		}
		if !depJob.Status.IsTerminal() {
			return depsWaiting
		}
		// terminal in a contradicting state; a retrying workflow may still
		// replace it, so ask the arbiter before giving up
		if s.deps.Arbiter != nil && !s.deps.Arbiter.Unsatisfiable(job, dep) {
			return depsWaiting
		}
		return depsUnsatisfiable
	}
	return depsReady
}

func (s *Scheduler) stopUnsatisfiable(job *types.Job) {
	err := s.deps.State.Transition(job.ID, job.Status, types.StatusStopped, func(j *types.Job) {
		j.StopReason = types.ReasonDependencyUnsatisfied
	})
	if err == nil {
		s.deps.Bus.Append(job.ID, types.ChannelSystem, []byte("stopped: dependency unsatisfiable"))
		s.finishTerminal(job.ID)
	}
}

// failQueued walks an unstartable job through to FAILED (a malformed
// resource ask can never be admitted)
func (s *Scheduler) failQueued(job *types.Job, cause error) {
	if job.Status == types.StatusQueued {
		if s.deps.State.Transition(job.ID, types.StatusQueued, types.StatusScheduled, nil) != nil {
			return
		}
	}
	if s.deps.State.Transition(job.ID, types.StatusScheduled, types.StatusInitializing, nil) != nil {
		return
	}
	s.deps.State.Transition(job.ID, types.StatusInitializing, types.StatusFailed, nil)
	s.deps.Bus.Append(job.ID, types.ChannelError, []byte(cause.Error()))
	s.finishTerminal(job.ID)
}

// admit moves the job to INITIALIZING and hands it to a placement goroutine
func (s *Scheduler) admit(ctx context.Context, job *types.Job, res *types.Reservation) bool {
	if job.Status == types.StatusQueued {
		if s.deps.State.Transition(job.ID, types.StatusQueued, types.StatusScheduled, nil) != nil {
			return false
		}
	}
	if s.deps.State.Transition(job.ID, types.StatusScheduled, types.StatusInitializing, nil) != nil {
		return false
	}

	buildCtx, cancel := context.WithCancel(ctx)
	a := &activeJob{cancelBuild: cancel}
	s.mu.Lock()
	s.active[job.ID] = a
	s.mu.Unlock()

	go s.place(ctx, buildCtx, job, res, a)
	return true
}

// place builds the sandbox, launches the process and sees it to a terminal
// state. Runs on its own goroutine; one per active job.
func (s *Scheduler) place(ctx, buildCtx context.Context, job *types.Job, res *types.Reservation, a *activeJob) {
	defer func() {
		s.mu.Lock()
		delete(s.active, job.ID)
		s.mu.Unlock()
		a.cancelBuild()
		s.Kick()
	}()

	fail := func(spec *sandbox.LaunchSpec, cause error) {
		if spec != nil {
			if err := s.deps.Builder.Cleanup(spec); err != nil {
				s.logger.Error().Err(err).Str("job_id", job.ID).Msg("sandbox cleanup failed")
			}
		}
		s.deps.Ledger.Release(job.ID)
		if len(job.Volumes) > 0 {
			_ = s.deps.Catalog.ReleaseVolumes(job.Volumes)
		}
		if job.Network != "" {
			_ = s.deps.Catalog.ReleaseNetwork(job.Network)
		}
		if reason := a.stopRequested(); reason != "" {
			s.deps.State.Transition(job.ID, types.StatusInitializing, types.StatusStopped, func(j *types.Job) {
				j.StopReason = reason
			})
		} else {
			s.deps.Bus.Append(job.ID, types.ChannelError, []byte(cause.Error()))
			s.deps.State.Transition(job.ID, types.StatusInitializing, types.StatusFailed, nil)
		}
		s.finishTerminal(job.ID)
	}

	if len(job.Volumes) > 0 {
		if err := s.deps.Catalog.AcquireVolumes(job.Volumes); err != nil {
			s.deps.Ledger.Release(job.ID)
			s.deps.Bus.Append(job.ID, types.ChannelError, []byte(err.Error()))
			s.deps.State.Transition(job.ID, types.StatusInitializing, types.StatusFailed, nil)
			s.finishTerminal(job.ID)
			return
		}
	}
	if job.Network != "" {
		if err := s.deps.Catalog.AcquireNetwork(job.Network); err != nil {
			_ = s.deps.Catalog.ReleaseVolumes(job.Volumes)
			s.deps.Ledger.Release(job.ID)
			s.deps.Bus.Append(job.ID, types.ChannelError, []byte(err.Error()))
			s.deps.State.Transition(job.ID, types.StatusInitializing, types.StatusFailed, nil)
			s.finishTerminal(job.ID)
			return
		}
	}

	manifest, root, err := s.deps.Runtimes.Lookup(job.Runtime)
	if err != nil {
		fail(nil, err)
		return
	}
	secrets, err := s.deps.Secrets.Get(job.ID)
	if err != nil {
		fail(nil, err)
		return
	}

	spec, err := s.deps.Builder.Build(buildCtx, job, manifest, root, res, secrets)
	if err != nil {
		fail(nil, err)
		return
	}

	proc, err := s.deps.Launcher.Launch(ctx, spec)
	if err != nil {
		fail(spec, fmt.Errorf("spawn failed: %w", err))
		return
	}

	if s.deps.State.Transition(job.ID, types.StatusInitializing, types.StatusRunning, nil) != nil {
		// stop raced us; the process is already up, take it down
		_ = s.deps.Launcher.Stop(ctx, proc)
		<-proc.Done()
		fail(spec, errors.New("stopped during initialization"))
		return
	}

	a.mu.Lock()
	a.proc = proc
	pendingStop := a.stopReason != ""
	a.mu.Unlock()
	if pendingStop {
		go func() { _ = s.deps.Launcher.Stop(ctx, proc) }()
	}

	var timeout *time.Timer
	if job.Timeout > 0 {
		timeout = time.AfterFunc(job.Timeout, func() {
			if p, ok := a.requestStop(types.ReasonTimeout); ok && p != nil {
				s.deps.Bus.Append(job.ID, types.ChannelSystem, []byte("timeout exceeded"))
				_ = s.deps.Launcher.Stop(ctx, p)
			}
		})
	}

	<-proc.Done()
	if timeout != nil {
		timeout.Stop()
	}
	code := proc.ExitCode()

	if err := s.deps.Builder.Cleanup(spec); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("sandbox cleanup failed")
	}
	s.deps.Ledger.Release(job.ID)
	if len(job.Volumes) > 0 {
		_ = s.deps.Catalog.ReleaseVolumes(job.Volumes)
	}
	if job.Network != "" {
		_ = s.deps.Catalog.ReleaseNetwork(job.Network)
	}

	if reason := a.stopRequested(); reason != "" {
		s.deps.State.Transition(job.ID, types.StatusRunning, types.StatusStopped, func(j *types.Job) {
			j.StopReason = reason
		})
	} else if code == 0 {
		s.deps.State.Transition(job.ID, types.StatusRunning, types.StatusCompleted, func(j *types.Job) {
			j.ExitCode = &code
		})
	} else {
		s.deps.State.Transition(job.ID, types.StatusRunning, types.StatusFailed, func(j *types.Job) {
			j.ExitCode = &code
		})
	}
	s.finishTerminal(job.ID)
}

// finishTerminal flushes logs and erases secrets once a job is terminal
func (s *Scheduler) finishTerminal(jobID string) {
	s.deps.Bus.Flush(jobID)
	s.deps.Secrets.Erase(jobID)
}

// Stop terminates a job. Queued and parked jobs transition synchronously;
// building jobs get their build cancelled; running jobs get SIGTERM with
// the launcher's grace escalation. reason lands in the job's StopReason.
func (s *Scheduler) Stop(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = types.ReasonUserStop
	}
	job, err := s.deps.State.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}

	// no process yet for queued or parked jobs
	for _, from := range []types.JobStatus{types.StatusQueued, types.StatusScheduled} {
		err := s.deps.State.Transition(jobID, from, types.StatusStopped, func(j *types.Job) {
			j.StopReason = reason
		})
		if err == nil {
			s.deps.Bus.Append(jobID, types.ChannelSystem, []byte("stopped"))
			s.finishTerminal(jobID)
			s.Kick()
			return nil
		}
	}

	s.mu.Lock()
	a := s.active[jobID]
	s.mu.Unlock()
	if a == nil {
		// raced into terminal between the check and here
		return nil
	}
	proc, first := a.requestStop(reason)
	if !first {
		return nil // stop already in flight; idempotent
	}
	a.cancelBuild()
	if proc != nil {
		return s.deps.Launcher.Stop(ctx, proc)
	}
	return nil
}

// Delete removes a terminal job and its logs
func (s *Scheduler) Delete(jobID string) error {
	if err := s.deps.State.Delete(jobID); err != nil {
		return err
	}
	if err := s.deps.Bus.Remove(jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to remove job log")
	}
	s.deps.Secrets.Erase(jobID)
	return nil
}

// DeleteAll deletes every non-running job: terminal jobs are removed and
// queued jobs are stopped first. Running, initializing and parked scheduled
// jobs are skipped. Not atomic; reports per-job outcome.
func (s *Scheduler) DeleteAll() (deleted, skipped []string) {
	for _, job := range s.deps.State.List() {
		switch {
		case job.Status == types.StatusQueued:
			err := s.deps.State.Transition(job.ID, types.StatusQueued, types.StatusStopped, func(j *types.Job) {
				j.StopReason = types.ReasonUserStop
			})
			if err != nil {
				// admission raced us; leave the job alone
				skipped = append(skipped, job.ID)
				continue
			}
			s.finishTerminal(job.ID)
		case !job.Status.IsTerminal():
			skipped = append(skipped, job.ID)
			continue
		}
		if err := s.Delete(job.ID); err != nil {
			skipped = append(skipped, job.ID)
		} else {
			deleted = append(deleted, job.ID)
		}
	}
	return deleted, skipped
}
