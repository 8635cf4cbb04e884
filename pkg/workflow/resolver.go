package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/state"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("workflow not found")

// Submitter is the scheduler surface the resolver drives
type Submitter interface {
	Submit(job *types.Job, secrets map[string]string) error
	Stop(ctx context.Context, jobID, reason string) error
	Kick()
}

// VolumeManager resolves and creates named volumes
type VolumeManager interface {
	Get(name string) (*types.Volume, error)
	Create(name string, sizeBytes int64, typ types.VolumeType) error
}

// Store persists workflow records
type Store interface {
	SaveWorkflow(wf *types.Workflow) error
}

type stepRun struct {
	spec        *Step
	attempts    []string // job ids, newest last
	retriesLeft int
}

func (sr *stepRun) current() string { return sr.attempts[len(sr.attempts)-1] }

type run struct {
	wf        *types.Workflow
	steps     map[string]*stepRun
	order     []string // step names, topological
	cancelled bool
}

// Resolver turns workflow templates into dependency-linked child jobs and
// supervises retries and derived status.
type Resolver struct {
	state    *state.Machine
	sched    Submitter
	volumes  VolumeManager
	store    Store
	retryGap time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	runs   map[string]*run
	byJob  map[string]*run
	stepOf map[string]string // job id -> step name
}

// NewResolver creates a workflow resolver and hooks it into the state
// machine's observer list.
func NewResolver(st *state.Machine, sched Submitter, volumes VolumeManager, store Store) *Resolver {
	r := &Resolver{
		state:    st,
		sched:    sched,
		volumes:  volumes,
		store:    store,
		retryGap: time.Second,
		logger:   log.WithComponent("workflow"),
		runs:     make(map[string]*run),
		byJob:    make(map[string]*run),
		stepOf:   make(map[string]string),
	}
	st.Subscribe(r.onTransition)
	return r
}

// Submit parses, validates and launches a workflow. createMissing requests
// auto-creation of referenced volumes that do not exist yet.
func (r *Resolver) Submit(data []byte, createMissing bool) (*types.Workflow, error) {
	tmpl, err := ParseTemplate(data)
	if err != nil {
		return nil, err
	}
	order, err := topoSort(tmpl.Steps)
	if err != nil {
		return nil, err
	}
	if err := r.ensureVolumes(tmpl, createMissing); err != nil {
		return nil, err
	}

	wf := &types.Workflow{
		ID:        uuid.New().String(),
		Name:      tmpl.Name,
		Status:    types.WorkflowRunning,
		CreatedAt: time.Now(),
	}
	rn := &run{wf: wf, steps: make(map[string]*stepRun, len(order))}

	// assign ids up front so dependency lists and bookkeeping exist before
	// the first child can possibly terminate
	for _, step := range order {
		rn.steps[step.Name] = &stepRun{
			spec:        step,
			attempts:    []string{uuid.New().String()},
			retriesLeft: step.Retries,
		}
		rn.order = append(rn.order, step.Name)
		wf.JobIDs = append(wf.JobIDs, rn.steps[step.Name].current())
	}

	r.mu.Lock()
	r.runs[wf.ID] = rn
	jobs := make([]*types.Job, 0, len(order))
	for _, sr := range rn.steps {
		r.byJob[sr.current()] = rn
		r.stepOf[sr.current()] = sr.spec.Name
	}
	for _, step := range order {
		job, err := r.stepJob(rn, step, rn.steps[step.Name].current())
		if err != nil {
			r.mu.Unlock()
			r.abort(rn, fmt.Errorf("step %s: %w", step.Name, err))
			return nil, err
		}
		jobs = append(jobs, job)
	}
	r.mu.Unlock()

	for i, job := range jobs {
		if err := r.sched.Submit(job, nil); err != nil {
			r.abort(rn, fmt.Errorf("step %s: %w", order[i].Name, err))
			return nil, err
		}
	}
	r.persist(wf)
	lg := log.WithWorkflowID(r.logger, wf.ID)
	lg.Info().Str("name", wf.Name).
		Int("jobs", len(wf.JobIDs)).Msg("workflow submitted")
	return r.snapshot(wf.ID)
}

func (r *Resolver) ensureVolumes(tmpl *Template, createMissing bool) error {
	var missing []string
	seen := make(map[string]bool)
	for _, step := range tmpl.Steps {
		for _, name := range step.Volumes {
			if seen[name] {
				continue
			}
			seen[name] = true
			if _, err := r.volumes.Get(name); err != nil {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if !createMissing {
		return &MissingVolumesError{Volumes: missing}
	}
	for _, name := range missing {
		if err := r.volumes.Create(name, 0, types.VolumeFilesystem); err != nil {
			return err
		}
	}
	return nil
}

// stepJob builds the child Job for one attempt of a step. Caller holds r.mu.
func (r *Resolver) stepJob(rn *run, step *Step, jobID string) (*types.Job, error) {
	job := &types.Job{
		ID:         jobID,
		Command:    step.Command[0],
		Args:       step.Command[1:],
		Runtime:    step.Runtime,
		Network:    step.Network,
		Volumes:    step.Volumes,
		Env:        step.EnvVars,
		WorkDir:    step.WorkDir,
		Timeout:    time.Duration(step.Timeout),
		WorkflowID: rn.wf.ID,
		Resources: types.ResourceRequest{
			MaxCPU:    step.Resources.MaxCPU,
			MaxMemory: int64(step.Resources.MaxMemory),
			MaxIOBPS:  int64(step.Resources.MaxIOBPS),
			CPUCores:  step.Resources.CPUCores,
		},
	}
	for _, f := range step.Uploads.Files {
		job.Uploads = append(job.Uploads, types.FileUpload{
			Name: f.Name, Data: []byte(f.Content), Mode: f.Mode,
		})
	}
	for _, d := range step.Uploads.Directories {
		dir := types.DirUpload{Name: d.Name}
		for _, f := range d.Files {
			dir.Files = append(dir.Files, types.FileUpload{
				Name: f.Name, Data: []byte(f.Content), Mode: f.Mode,
			})
		}
		job.UploadDirs = append(job.UploadDirs, dir)
	}
	for _, dep := range step.DependsOn {
		ref, require, err := splitCondition(dep)
		if err != nil {
			return nil, err
		}
		sr, ok := rn.steps[ref]
		if !ok {
			return nil, fmt.Errorf("unknown step %q", ref)
		}
		job.Dependencies = append(job.Dependencies, types.Dependency{
			JobID:   sr.current(),
			Require: require,
		})
	}
	return job, nil
}

// abort stops everything already submitted when mid-submission fails
func (r *Resolver) abort(rn *run, cause error) {
	r.logger.Error().Err(cause).Str("workflow_id", rn.wf.ID).Msg("workflow submission aborted")
	r.mu.Lock()
	rn.cancelled = true
	r.mu.Unlock()
	for _, sr := range rn.steps {
		_ = r.sched.Stop(context.Background(), sr.current(), types.ReasonWorkflowCancelled)
	}
}

// Get returns the workflow with its derived status
func (r *Resolver) Get(id string) (*types.Workflow, error) {
	return r.snapshot(id)
}

// List returns all known workflows
func (r *Resolver) List() []*types.Workflow {
	r.mu.Lock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var out []*types.Workflow
	for _, id := range ids {
		if wf, err := r.snapshot(id); err == nil {
			out = append(out, wf)
		}
	}
	return out
}

// Cancel stops a workflow: running children get the grace escalation,
// pending children transition straight to STOPPED.
func (r *Resolver) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	rn, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	rn.cancelled = true
	var current []string
	for _, sr := range rn.steps {
		current = append(current, sr.current())
	}
	r.mu.Unlock()

	for _, jobID := range current {
		if err := r.sched.Stop(ctx, jobID, types.ReasonWorkflowCancelled); err != nil {
			r.logger.Debug().Err(err).Str("job_id", jobID).Msg("cancel: stop skipped")
		}
	}
	return nil
}

// Unsatisfiable implements the scheduler's dependency arbiter: a FAILED
// dependency whose step still has retries pending is not final yet.
func (r *Resolver) Unsatisfiable(job *types.Job, dep types.Dependency) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.byJob[dep.JobID]
	if !ok {
		return true
	}
	stepName := r.stepOf[dep.JobID]
	sr := rn.steps[stepName]
	if sr == nil {
		return true
	}
	if dep.JobID != sr.current() {
		// a newer attempt superseded this one; the dependent's list will be
		// rewritten, keep it waiting
		return false
	}
	require := dep.Require
	if require == "" {
		require = types.StatusCompleted
	}
	if require == types.StatusCompleted && sr.retriesLeft > 0 && !rn.cancelled {
		return false
	}
	return true
}

// onTransition is the state machine observer: it reacts to child terminal
// transitions with retries and derived-status updates. Runs on the state
// machine's dispatch goroutine; anything slow is handed off.
func (r *Resolver) onTransition(job *types.Job, from, to types.JobStatus) {
	if job.WorkflowID == "" || !to.IsTerminal() {
		return
	}
	r.mu.Lock()
	rn, ok := r.runs[job.WorkflowID]
	if !ok {
		r.mu.Unlock()
		return
	}
	stepName := r.stepOf[job.ID]
	sr := rn.steps[stepName]

	retry := to == types.StatusFailed && sr != nil && job.ID == sr.current() &&
		sr.retriesLeft > 0 && !rn.cancelled
	if retry {
		sr.retriesLeft--
	}
	r.mu.Unlock()

	if retry {
		gap := r.retryGap
		if job.EndedAt != nil {
			// at least retryGap between the attempt's end and the next start
			if since := time.Since(*job.EndedAt); since < gap {
				gap -= since
			}
		}
		time.AfterFunc(gap, func() { r.retryStep(job.WorkflowID, stepName, job.ID) })
		return
	}
	r.recompute(job.WorkflowID)
}

// retryStep launches a fresh attempt of a failed step and rewires every
// dependent's dependency list to the new job id.
func (r *Resolver) retryStep(wfID, stepName, prevID string) {
	r.mu.Lock()
	rn, ok := r.runs[wfID]
	if !ok || rn.cancelled {
		r.mu.Unlock()
		return
	}
	sr := rn.steps[stepName]
	if sr == nil || sr.current() != prevID {
		r.mu.Unlock()
		return
	}
	newID := uuid.New().String()
	sr.attempts = append(sr.attempts, newID)
	rn.wf.JobIDs = append(rn.wf.JobIDs, newID)
	r.byJob[newID] = rn
	r.stepOf[newID] = stepName

	var dependents []string
	for _, name := range rn.order {
		other := rn.steps[name]
		for _, dep := range other.spec.DependsOn {
			if ref, _, _ := splitCondition(dep); ref == stepName {
				dependents = append(dependents, other.current())
			}
		}
	}
	job, err := r.stepJob(rn, sr.spec, newID)
	r.mu.Unlock()

	if err == nil {
		err = r.sched.Submit(job, nil)
	}
	if err != nil {
		lg := log.WithWorkflowID(r.logger, wfID)
		lg.Error().Err(err).Str("step", stepName).
			Msg("retry submission failed")
		r.recompute(wfID)
		return
	}

	for _, depID := range dependents {
		uerr := r.state.Update(depID, func(j *types.Job) {
			for i := range j.Dependencies {
				if j.Dependencies[i].JobID == prevID {
					j.Dependencies[i].JobID = newID
				}
			}
		})
		if uerr != nil {
			r.logger.Warn().Err(uerr).Str("job_id", depID).Msg("failed to rewire dependency")
		}
	}

	lg := log.WithWorkflowID(r.logger, wfID)
	lg.Info().Str("step", stepName).
		Str("job_id", newID).Msg("step retry submitted")
	r.sched.Kick()
}

// recompute derives the workflow status from its children's states
func (r *Resolver) recompute(wfID string) {
	r.mu.Lock()
	rn, ok := r.runs[wfID]
	if !ok {
		r.mu.Unlock()
		return
	}
	current := make([]string, 0, len(rn.order))
	retryPending := false
	for _, name := range rn.order {
		sr := rn.steps[name]
		current = append(current, sr.current())
		if sr.retriesLeft > 0 {
			retryPending = true
		}
	}
	r.mu.Unlock()

	allDone, allCompleted := true, true
	for _, id := range current {
		job, err := r.state.Get(id)
		if err != nil {
			continue
		}
		if !job.Status.IsTerminal() {
			allDone = false
			break
		}
		if job.Status == types.StatusFailed && retryPending {
			// a retry may still be scheduled for this attempt
			allDone = false
			break
		}
		if job.Status != types.StatusCompleted {
			allCompleted = false
		}
	}

	status := types.WorkflowRunning
	if allDone && allCompleted {
		status = types.WorkflowCompleted
	} else if allDone {
		status = types.WorkflowFailed
	}

	r.mu.Lock()
	changed := rn.wf.Status != status
	rn.wf.Status = status
	wf := *rn.wf
	r.mu.Unlock()
	if changed {
		r.persist(&wf)
		r.logger.Info().Str("workflow_id", wfID).Str("status", string(status)).
			Msg("workflow status changed")
	}
}

func (r *Resolver) persist(wf *types.Workflow) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveWorkflow(wf); err != nil {
		r.logger.Error().Err(err).Str("workflow_id", wf.ID).Msg("failed to persist workflow")
	}
}

// Restore re-registers a persisted workflow record after a restart. Only
// bookkeeping for Get/List; terminal children carry the history.
func (r *Resolver) Restore(wf *types.Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[wf.ID] = &run{wf: wf, steps: make(map[string]*stepRun)}
}

func (r *Resolver) snapshot(id string) (*types.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rn.wf
	cp.JobIDs = append([]string(nil), rn.wf.JobIDs...)
	return &cp, nil
}
