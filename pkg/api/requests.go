package api

import (
	"fmt"
	"time"

	"github.com/jsturma/joblet/pkg/types"
)

type fileUploadBody struct {
	Name string `json:"name" validate:"required"`
	Data []byte `json:"data"`
	Mode uint32 `json:"mode"`
}

type dirUploadBody struct {
	Name  string           `json:"name" validate:"required"`
	Files []fileUploadBody `json:"files" validate:"dive"`
}

type dependencyBody struct {
	JobID   string `json:"jobId" validate:"required,uuid4"`
	Require string `json:"require" validate:"omitempty,oneof=COMPLETED FAILED"`
}

// submitJobRequest is the execute-request wire shape
type submitJobRequest struct {
	Command       string            `json:"command" validate:"required"`
	Args          []string          `json:"args"`
	MaxCPU        int               `json:"maxCPU" validate:"gte=0"`
	MaxMemory     int64             `json:"maxMemory" validate:"gte=0"`
	MaxIOBPS      int64             `json:"maxIOBPS" validate:"gte=0"`
	CPUCores      string            `json:"cpuCores"`
	GPUCount      int               `json:"gpuCount" validate:"gte=0"`
	GPUMemoryMB   int64             `json:"gpuMemoryMb" validate:"gte=0"`
	Runtime       string            `json:"runtime"`
	Network       string            `json:"network"`
	Volumes       []string          `json:"volumes"`
	Uploads       []fileUploadBody  `json:"uploads" validate:"dive"`
	UploadDirs    []dirUploadBody   `json:"uploadDirs" validate:"dive"`
	EnvVars       map[string]string `json:"envVars"`
	SecretEnvVars map[string]string `json:"secretEnvVars"`
	WorkDir       string            `json:"workDir"`
	Schedule      string            `json:"schedule"` // RFC3339
	Timeout       string            `json:"timeout"`  // Go duration
	DependsOn     []dependencyBody  `json:"dependsOn" validate:"dive"`
}

// toJob converts the request into a Job plus the secret env set, which is
// carried separately and never stored on the record.
func (req *submitJobRequest) toJob() (*types.Job, map[string]string, error) {
	job := &types.Job{
		Command: req.Command,
		Args:    req.Args,
		Runtime: req.Runtime,
		Network: req.Network,
		Volumes: req.Volumes,
		Env:     req.EnvVars,
		WorkDir: req.WorkDir,
		Resources: types.ResourceRequest{
			MaxCPU:      req.MaxCPU,
			MaxMemory:   req.MaxMemory,
			MaxIOBPS:    req.MaxIOBPS,
			CPUCores:    req.CPUCores,
			GPUCount:    req.GPUCount,
			GPUMemoryMB: req.GPUMemoryMB,
		},
	}
	if req.Schedule != "" {
		at, err := time.Parse(time.RFC3339, req.Schedule)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid schedule: %w", err)
		}
		job.Schedule = &at
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			return nil, nil, fmt.Errorf("invalid timeout %q", req.Timeout)
		}
		job.Timeout = d
	}
	for _, f := range req.Uploads {
		job.Uploads = append(job.Uploads, types.FileUpload{Name: f.Name, Data: f.Data, Mode: f.Mode})
	}
	for _, d := range req.UploadDirs {
		dir := types.DirUpload{Name: d.Name}
		for _, f := range d.Files {
			dir.Files = append(dir.Files, types.FileUpload{Name: f.Name, Data: f.Data, Mode: f.Mode})
		}
		job.UploadDirs = append(job.UploadDirs, dir)
	}
	for _, dep := range req.DependsOn {
		job.Dependencies = append(job.Dependencies, types.Dependency{
			JobID:   dep.JobID,
			Require: types.JobStatus(dep.Require),
		})
	}
	return job, req.SecretEnvVars, nil
}

type createVolumeRequest struct {
	Name string `json:"name" validate:"required"`
	Size string `json:"size" validate:"required"`
	Type string `json:"type" validate:"omitempty,oneof=filesystem memory"`
}

type createNetworkRequest struct {
	Name string `json:"name" validate:"required"`
	CIDR string `json:"cidr" validate:"required,cidr"`
}

type installRuntimeRequest struct {
	Name   string `json:"name" validate:"required"`
	Source string `json:"source" validate:"required"`
}
