package types

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	StatusQueued       JobStatus = "QUEUED"
	StatusWaiting      JobStatus = "WAITING" // QUEUED blocked on unresolved dependencies
	StatusScheduled    JobStatus = "SCHEDULED"
	StatusInitializing JobStatus = "INITIALIZING"
	StatusRunning      JobStatus = "RUNNING"
	StatusCompleted    JobStatus = "COMPLETED"
	StatusFailed       JobStatus = "FAILED"
	StatusStopped      JobStatus = "STOPPED"
)

// IsTerminal reports whether the status is a terminal state
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// LogChannel tags the origin of a log record
type LogChannel string

const (
	ChannelSystem     LogChannel = "system"
	ChannelInfo       LogChannel = "info"
	ChannelStdout     LogChannel = "stdout"
	ChannelStderr     LogChannel = "stderr"
	ChannelConnection LogChannel = "connection"
	ChannelError      LogChannel = "error"
)

// LogRecord is a single entry in a job's log stream
type LogRecord struct {
	JobID     string     `json:"jobId"`
	Sequence  int64      `json:"sequence"`
	Timestamp time.Time  `json:"timestamp"`
	Channel   LogChannel `json:"channel"`
	Message   []byte     `json:"message"`
}

// ResourceRequest describes the resources a job asks for
type ResourceRequest struct {
	MaxCPU      int    `json:"maxCPU,omitempty"`    // percent, 100 per core aggregated
	CPUCores    string `json:"cpuCores,omitempty"`  // explicit cpuset mask like "0-3,5"
	MaxMemory   int64  `json:"maxMemory,omitempty"` // bytes
	MaxIOBPS    int64  `json:"maxIOBPS,omitempty"`  // bytes per second
	GPUCount    int    `json:"gpuCount,omitempty"`
	GPUMemoryMB int64  `json:"gpuMemoryMb,omitempty"`
}

// Dependency names another job and the terminal state it must reach
type Dependency struct {
	JobID   string    `json:"jobId"`
	Require JobStatus `json:"require"` // COMPLETED or FAILED
}

// FileUpload is a blob placed into the sandbox under /work/uploads
type FileUpload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
	Mode uint32 `json:"mode,omitempty"`
}

// DirUpload is a named directory of blobs placed under /work/uploaddirs
type DirUpload struct {
	Name  string       `json:"name"`
	Files []FileUpload `json:"files"`
}

// Job represents a single unit of execution
type Job struct {
	ID       string `json:"id"`
	Sequence uint64 `json:"sequence"` // internal monotonic ordering

	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	Runtime      string            `json:"runtime,omitempty"` // defaults to "host"
	Resources    ResourceRequest   `json:"resources"`
	Env          map[string]string `json:"env,omitempty"`
	Volumes      []string          `json:"volumes,omitempty"`
	Network      string            `json:"network,omitempty"`
	Uploads      []FileUpload      `json:"uploads,omitempty"`
	UploadDirs   []DirUpload       `json:"uploadDirs,omitempty"`
	WorkDir      string            `json:"workDir,omitempty"`
	Schedule     *time.Time        `json:"schedule,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"` // wall-time bound from RUNNING; 0 = none
	Dependencies []Dependency      `json:"dependencies,omitempty"`
	WorkflowID   string            `json:"workflowId,omitempty"`

	Status     JobStatus  `json:"status"`
	StopReason string     `json:"stopReason,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	NodeID     string     `json:"nodeId,omitempty"`
}

// Stop reasons recorded on jobs terminated by the engine rather than by exit
const (
	ReasonDependencyUnsatisfied = "DependencyUnsatisfied"
	ReasonWorkflowCancelled     = "WorkflowCancelled"
	ReasonTimeout               = "Timeout"
	ReasonUserStop              = "UserStop"
)

// WorkflowStatus is derived from the workflow's child jobs
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
)

// Workflow is a DAG of jobs submitted as a single unit
type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	JobIDs    []string       `json:"jobIds"` // topological order
	Status    WorkflowStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
}

// MountSpec describes one bind mount from a runtime tree into a sandbox
type MountSpec struct {
	Source   string `yaml:"source" json:"source"` // relative to the runtime root
	Target   string `yaml:"target" json:"target"` // absolute inside the sandbox
	ReadOnly bool   `yaml:"readonly" json:"readonly"`
}

// RuntimeManifest describes an installed sandbox template. Immutable after
// registration.
type RuntimeManifest struct {
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version" json:"version"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Mounts      []MountSpec       `yaml:"mounts" json:"mounts"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

// VolumeType distinguishes disk-backed and tmpfs-backed volumes
type VolumeType string

const (
	VolumeFilesystem VolumeType = "filesystem"
	VolumeMemory     VolumeType = "memory"
)

// Volume is a named storage area mountable into sandboxes
type Volume struct {
	Name      string     `json:"name"`
	Type      VolumeType `json:"type"`
	SizeBytes int64      `json:"sizeBytes"`
	MountPath string     `json:"mountPath"`
	CreatedAt time.Time  `json:"createdAt"`
	InUse     int        `json:"inUse"`
}

// Network is a named network namespace jobs can join
type Network struct {
	Name    string `json:"name"`
	CIDR    string `json:"cidr,omitempty"`
	InUse   int    `json:"inUse"`
	Builtin bool   `json:"builtin"` // bridge and host are undeletable
}

// Reservation is a job's hold on CPU cores, memory and GPUs
type Reservation struct {
	JobID       string `json:"jobId"`
	Cores       []int  `json:"cores,omitempty"`
	MemoryBytes int64  `json:"memoryBytes"`
	GPUs        []int  `json:"gpus,omitempty"`
}

var volumeNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

// ValidVolumeName reports whether name is acceptable for a volume
func ValidVolumeName(name string) bool {
	return volumeNameRe.MatchString(name)
}

var sizeRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)(B|KB|MB|GB|TB)$`)

var sizeMultipliers = map[string]int64{
	"B":  1,
	"KB": 1000,
	"MB": 1000 * 1000,
	"GB": 1000 * 1000 * 1000,
	"TB": 1000 * 1000 * 1000 * 1000,
}

// ParseSize parses a size string like "512MB" into bytes
func ParseSize(s string) (int64, error) {
	m := sizeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid size %q: expected <number>(B|KB|MB|GB|TB)", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n * float64(sizeMultipliers[m[2]])), nil
}

// ParseCoreMask parses a cpuset list like "0-3,5" into a sorted, de-duplicated
// slice of core indices
func ParseCoreMask(mask string) ([]int, error) {
	mask = strings.TrimSpace(mask)
	if mask == "" {
		return nil, nil
	}
	seen := make(map[int]bool)
	for _, part := range strings.Split(mask, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("invalid core range %q", part)
			}
			end, err := strconv.Atoi(hi)
			if err != nil || end < start || start < 0 {
				return nil, fmt.Errorf("invalid core range %q", part)
			}
			for c := start; c <= end; c++ {
				seen[c] = true
			}
		} else {
			c, err := strconv.Atoi(part)
			if err != nil || c < 0 {
				return nil, fmt.Errorf("invalid core %q", part)
			}
			seen[c] = true
		}
	}
	cores := make([]int, 0, len(seen))
	for c := range seen {
		cores = append(cores, c)
	}
	sort.Ints(cores)
	return cores, nil
}

// FormatCoreMask renders core indices as a cpuset list string
func FormatCoreMask(cores []int) string {
	parts := make([]string, len(cores))
	for i, c := range cores {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}
