//go:build linux

package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jsturma/joblet/pkg/logbus"
	"github.com/jsturma/joblet/pkg/metrics"
	"github.com/jsturma/joblet/pkg/runtime"
	"github.com/jsturma/joblet/pkg/types"
)

// SubmitJob queues a job for execution
func (e *Engine) SubmitJob(job *types.Job, secrets map[string]string) error {
	if err := e.sched.Submit(job, secrets); err != nil {
		return err
	}
	e.metrics.JobCreated()
	return nil
}

// GetJob returns a job by id
func (e *Engine) GetJob(id string) (*types.Job, error) {
	return e.state.Get(id)
}

// ListJobs returns all jobs ordered by submission
func (e *Engine) ListJobs() []*types.Job {
	return e.state.List()
}

// StopJob terminates a job with the standard grace escalation
func (e *Engine) StopJob(ctx context.Context, id string) error {
	return e.sched.Stop(ctx, id, types.ReasonUserStop)
}

// DeleteJob removes a terminal job and its logs
func (e *Engine) DeleteJob(id string) error {
	return e.sched.Delete(id)
}

// DeleteAllJobs deletes every terminal job, reporting per-job outcome
func (e *Engine) DeleteAllJobs() (deleted, skipped []string) {
	return e.sched.DeleteAll()
}

// SubscribeLogs opens a log stream for a job
func (e *Engine) SubscribeLogs(jobID string, from int64) (*logbus.Subscription, error) {
	return e.bus.Subscribe(jobID, from)
}

// ListRuntimes returns the installed runtimes ordered by name
func (e *Engine) ListRuntimes() []*types.RuntimeManifest {
	return e.runtimes.List()
}

// InstallRuntime submits the runtime build script as a regular job running
// inside the engine (a meta-job). The registry's directory watcher registers
// the runtime once the build drops its runtime.yml in place.
func (e *Engine) InstallRuntime(name, script string) (string, error) {
	if !types.ValidVolumeName(name) {
		return "", fmt.Errorf("invalid runtime name %q", name)
	}
	if strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("empty build script")
	}
	if _, _, err := e.runtimes.Lookup(name); err == nil {
		return "", fmt.Errorf("runtime %s: %w", name, runtime.ErrDuplicateName)
	}

	dir := filepath.Join(e.runtimes.Dir(), name)
	job := &types.Job{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		Env: map[string]string{
			"RUNTIME_NAME": name,
			"RUNTIME_DIR":  dir,
		},
	}
	if err := e.SubmitJob(job, nil); err != nil {
		return "", err
	}
	e.logger.Info().Str("runtime", name).Str("build_job_id", job.ID).
		Msg("runtime install submitted")
	return job.ID, nil
}

// RemoveRuntime unregisters a runtime and deletes its tree
func (e *Engine) RemoveRuntime(name string) error {
	_, root, err := e.runtimes.Lookup(name)
	if err != nil {
		return err
	}
	if err := e.runtimes.Unregister(name); err != nil {
		return err
	}
	if root != "" && strings.HasPrefix(root, e.runtimes.Dir()) {
		if err := os.RemoveAll(root); err != nil {
			e.logger.Error().Err(err).Str("runtime", name).Msg("failed to remove runtime tree")
		}
	}
	return nil
}

// CreateVolume registers a named volume
func (e *Engine) CreateVolume(name string, sizeBytes int64, typ types.VolumeType) error {
	return e.volumes.Create(name, sizeBytes, typ)
}

// DeleteVolume removes a volume unless a job holds it
func (e *Engine) DeleteVolume(name string) error {
	return e.volumes.Delete(name)
}

// ListVolumes returns all volumes
func (e *Engine) ListVolumes() ([]*types.Volume, error) {
	return e.volumes.List()
}

// CreateNetwork registers a named network
func (e *Engine) CreateNetwork(name, cidr string) error {
	return e.networks.Create(name, cidr)
}

// DeleteNetwork removes a named network
func (e *Engine) DeleteNetwork(name string) error {
	return e.networks.Delete(name)
}

// ListNetworks returns all networks
func (e *Engine) ListNetworks() ([]*types.Network, error) {
	return e.networks.List()
}

// SubmitWorkflow parses and launches a workflow template
func (e *Engine) SubmitWorkflow(data []byte, createMissing bool) (*types.Workflow, error) {
	wf, err := e.resolver.Submit(data, createMissing)
	if err != nil {
		return nil, err
	}
	e.metrics.WorkflowsTotal.Inc()
	return wf, nil
}

// GetWorkflow returns a workflow with its derived status
func (e *Engine) GetWorkflow(id string) (*types.Workflow, error) {
	return e.resolver.Get(id)
}

// ListWorkflows returns all known workflows
func (e *Engine) ListWorkflows() []*types.Workflow {
	return e.resolver.List()
}

// CancelWorkflow stops a workflow's children
func (e *Engine) CancelWorkflow(ctx context.Context, id string) error {
	return e.resolver.Cancel(ctx, id)
}

// Sample takes one system metrics reading
func (e *Engine) Sample() (*metrics.SystemSample, error) {
	return e.sampler.Sample()
}
