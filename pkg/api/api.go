package api

import (
	"context"

	"github.com/jsturma/joblet/pkg/logbus"
	"github.com/jsturma/joblet/pkg/metrics"
	"github.com/jsturma/joblet/pkg/types"
)

// Engine is the operation surface the API exposes over HTTP and WebSocket
type Engine interface {
	SubmitJob(job *types.Job, secrets map[string]string) error
	GetJob(id string) (*types.Job, error)
	ListJobs() []*types.Job
	StopJob(ctx context.Context, id string) error
	DeleteJob(id string) error
	DeleteAllJobs() (deleted, skipped []string)
	SubscribeLogs(jobID string, from int64) (*logbus.Subscription, error)

	ListRuntimes() []*types.RuntimeManifest
	InstallRuntime(name, script string) (string, error)
	RemoveRuntime(name string) error

	CreateVolume(name string, sizeBytes int64, typ types.VolumeType) error
	DeleteVolume(name string) error
	ListVolumes() ([]*types.Volume, error)

	CreateNetwork(name, cidr string) error
	DeleteNetwork(name string) error
	ListNetworks() ([]*types.Network, error)

	SubmitWorkflow(data []byte, createMissing bool) (*types.Workflow, error)
	GetWorkflow(id string) (*types.Workflow, error)
	ListWorkflows() []*types.Workflow
	CancelWorkflow(ctx context.Context, id string) error

	Sample() (*metrics.SystemSample, error)
}
