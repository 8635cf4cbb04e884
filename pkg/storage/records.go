package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jsturma/joblet/pkg/types"
)

// Records persists job and workflow state as JSON files under the state dir:
// jobs/<job-id>.json and workflows/<id>.json. Jobs are written on each
// terminal transition; workflows on every status change.
type Records struct {
	jobsDir      string
	workflowsDir string
}

// NewRecords creates the on-disk layout under stateDir
func NewRecords(stateDir string) (*Records, error) {
	r := &Records{
		jobsDir:      filepath.Join(stateDir, "jobs"),
		workflowsDir: filepath.Join(stateDir, "workflows"),
	}
	for _, dir := range []string{r.jobsDir, r.workflowsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return r, nil
}

// SaveJob writes the job record. Secret env vars never appear here; they
// live only in the vault.
func (r *Records) SaveJob(job *types.Job) error {
	return writeJSON(filepath.Join(r.jobsDir, job.ID+".json"), job)
}

// DeleteJob removes the job record file
func (r *Records) DeleteJob(id string) error {
	err := os.Remove(filepath.Join(r.jobsDir, id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadJobs reads every persisted job record
func (r *Records) LoadJobs() ([]*types.Job, error) {
	entries, err := os.ReadDir(r.jobsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs dir: %w", err)
	}
	var jobs []*types.Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var job types.Job
		if err := readJSON(filepath.Join(r.jobsDir, e.Name()), &job); err != nil {
			return nil, fmt.Errorf("failed to load job record %s: %w", e.Name(), err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// SaveWorkflow writes the workflow record
func (r *Records) SaveWorkflow(wf *types.Workflow) error {
	return writeJSON(filepath.Join(r.workflowsDir, wf.ID+".json"), wf)
}

// LoadWorkflows reads every persisted workflow record
func (r *Records) LoadWorkflows() ([]*types.Workflow, error) {
	entries, err := os.ReadDir(r.workflowsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows dir: %w", err)
	}
	var wfs []*types.Workflow
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var wf types.Workflow
		if err := readJSON(filepath.Join(r.workflowsDir, e.Name()), &wf); err != nil {
			return nil, fmt.Errorf("failed to load workflow record %s: %w", e.Name(), err)
		}
		wfs = append(wfs, &wf)
	}
	return wfs, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
