//go:build linux

package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jsturma/joblet/pkg/config"
	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/logbus"
	"github.com/jsturma/joblet/pkg/metrics"
	"github.com/jsturma/joblet/pkg/network"
	"github.com/jsturma/joblet/pkg/resource"
	"github.com/jsturma/joblet/pkg/runtime"
	"github.com/jsturma/joblet/pkg/sandbox"
	"github.com/jsturma/joblet/pkg/scheduler"
	"github.com/jsturma/joblet/pkg/state"
	"github.com/jsturma/joblet/pkg/storage"
	"github.com/jsturma/joblet/pkg/supervisor"
	"github.com/jsturma/joblet/pkg/vault"
	"github.com/jsturma/joblet/pkg/volume"
	"github.com/jsturma/joblet/pkg/workflow"
	"github.com/rs/zerolog"
)

// Engine assembles every component of the job engine and carries the
// operations the API surface exposes.
type Engine struct {
	cfg      *config.Config
	catalog  *storage.Catalog
	records  *storage.Records
	state    *state.Machine
	ledger   *resource.Ledger
	bus      *logbus.Bus
	vault    *vault.Vault
	runtimes *runtime.Registry
	volumes  *volume.Manager
	networks *network.Manager
	sched    *scheduler.Scheduler
	resolver *workflow.Resolver
	metrics  *metrics.Metrics
	sampler  *metrics.Sampler
	logger   zerolog.Logger
}

// launcherAdapter bridges the supervisor's concrete handle to the
// scheduler's Process interface
type launcherAdapter struct {
	super *supervisor.Supervisor
}

type procAdapter struct {
	h *supervisor.Handle
}

func (p procAdapter) Done() <-chan struct{} { return p.h.Done() }
func (p procAdapter) ExitCode() int         { return p.h.Result().ExitCode }

func (l launcherAdapter) Launch(ctx context.Context, spec *sandbox.LaunchSpec) (scheduler.Process, error) {
	h, err := l.super.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	return procAdapter{h: h}, nil
}

func (l launcherAdapter) Stop(ctx context.Context, p scheduler.Process) error {
	return l.super.Stop(ctx, p.(procAdapter).h)
}

// New wires the engine from configuration. Nothing is running yet; call
// Start.
func New(cfg *config.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	records, err := storage.NewRecords(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	catalog, err := storage.NewCatalog(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	st := state.NewMachine(records)

	totals, err := resource.DiscoverTotals("/proc", cfg.GPUs)
	if err != nil {
		return nil, err
	}
	ledger := resource.NewLedger(totals)

	bus, err := logbus.NewBus(cfg.StateDir, cfg.Buffers.RingSize, cfg.Buffers.SubscriberSize)
	if err != nil {
		return nil, err
	}

	vlt, err := vault.New()
	if err != nil {
		return nil, err
	}

	runtimeDir := filepath.Join(cfg.StateDir, "runtimes")
	if err := os.MkdirAll(runtimeDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runtimes directory: %w", err)
	}
	runtimes, err := runtime.NewRegistry(runtimeDir)
	if err != nil {
		return nil, err
	}

	volumes, err := volume.NewManager(cfg.StateDir, catalog)
	if err != nil {
		return nil, err
	}
	networks := network.NewManager(catalog)

	cgroups := sandbox.NewCgroupDriver(cfg.CgroupRoot)
	if err := cgroups.EnsureControllers(); err != nil {
		return nil, err
	}
	builder := sandbox.NewBuilder(cfg.StateDir, cgroups, sandbox.NewMounter(), volumes)
	super := supervisor.New(bus, cfg.StopGrace)

	sched := scheduler.New(scheduler.Deps{
		State:    st,
		Ledger:   ledger,
		Bus:      bus,
		Runtimes: runtimes,
		Builder:  builder,
		Launcher: launcherAdapter{super: super},
		Secrets:  vlt,
		Catalog:  catalog,
		Workers:  cfg.Workers,
	})
	resolver := workflow.NewResolver(st, sched, volumes, records)
	sched.SetArbiter(resolver)

	e := &Engine{
		cfg:      cfg,
		catalog:  catalog,
		records:  records,
		state:    st,
		ledger:   ledger,
		bus:      bus,
		vault:    vlt,
		runtimes: runtimes,
		volumes:  volumes,
		networks: networks,
		sched:    sched,
		resolver: resolver,
		metrics:  metrics.New(),
		logger:   log.WithComponent("engine"),
	}

	runtimes.InUse = e.runtimeInUse

	e.metrics.RegisterLedger(ledger)
	st.Subscribe(e.metrics.ObserveTransition)

	sampler, err := metrics.NewSampler("/proc", cfg.StateDir)
	if err != nil {
		return nil, err
	}
	e.sampler = sampler

	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

// restore loads persisted terminal jobs and workflow records. Nothing
// non-terminal survives a restart by design.
func (e *Engine) restore() error {
	jobs, err := e.records.LoadJobs()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := e.state.Restore(job); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("skipping job record")
			continue
		}
		// reopen the log entry so the surviving log file stays streamable
		if err := e.bus.Open(job.ID); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to reopen job log")
		}
	}
	wfs, err := e.records.LoadWorkflows()
	if err != nil {
		return err
	}
	for _, wf := range wfs {
		e.resolver.Restore(wf)
	}
	if len(jobs) > 0 || len(wfs) > 0 {
		e.logger.Info().Int("jobs", len(jobs)).Int("workflows", len(wfs)).
			Msg("restored terminal records")
	}
	return nil
}

func (e *Engine) runtimeInUse(name string) bool {
	for _, job := range e.state.List() {
		if job.Runtime == name && !job.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// Start runs the scheduler loop and the runtime directory watcher until ctx
// is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.sched.Run(ctx)
	go func() {
		if err := e.runtimes.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error().Err(err).Msg("runtime watcher stopped")
		}
	}()
}

// Shutdown flushes and closes everything. Running jobs are left to the
// kernel; only terminal records are recovered on the next start.
func (e *Engine) Shutdown() {
	e.bus.Stop()
	e.state.Close()
	if err := e.catalog.Close(); err != nil {
		e.logger.Error().Err(err).Msg("failed to close catalog")
	}
}

// Metrics returns the prometheus instrumentation
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }
