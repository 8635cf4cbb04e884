package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jsturma/joblet/pkg/types"
	"gopkg.in/yaml.v3"
)

var (
	ErrParse         = errors.New("workflow parse error")
	ErrCycleDetected = errors.New("cycle detected")
)

// MissingVolumesError names the volumes a workflow references that do not
// exist yet
type MissingVolumesError struct {
	Volumes []string
}

func (e *MissingVolumesError) Error() string {
	return "missing volumes: " + strings.Join(e.Volumes, ", ")
}

// ByteSize decodes either a bare integer byte count or a string like
// "512MB"
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid size: %s", node.Value)
	}
	v, err := types.ParseSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(v)
	return nil
}

// Duration decodes Go duration strings like "30s"
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %s", node.Value)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// StepResources mirrors the resources block of a step
type StepResources struct {
	MaxCPU    int      `yaml:"maxCpu"`
	MaxMemory ByteSize `yaml:"maxMemory"`
	MaxIOBPS  ByteSize `yaml:"maxIobps"`
	CPUCores  string   `yaml:"cpuCores"`
}

// StepUploadFile is an inline file blob carried by a step
type StepUploadFile struct {
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
	Mode    uint32 `yaml:"mode"`
}

// StepUploadDir is a named directory of inline files
type StepUploadDir struct {
	Name  string           `yaml:"name"`
	Files []StepUploadFile `yaml:"files"`
}

// StepUploads groups a step's file and directory uploads
type StepUploads struct {
	Files       []StepUploadFile `yaml:"files"`
	Directories []StepUploadDir  `yaml:"directories"`
}

// Step is one node of the workflow DAG
type Step struct {
	Name      string            `yaml:"-"`
	Command   []string          `yaml:"command"`
	DependsOn []string          `yaml:"dependsOn"`
	Uploads   StepUploads       `yaml:"uploads"`
	Resources StepResources     `yaml:"resources"`
	Runtime   string            `yaml:"runtime"`
	Network   string            `yaml:"network"`
	Volumes   []string          `yaml:"volumes"`
	EnvVars   map[string]string `yaml:"envVars"`
	WorkDir   string            `yaml:"workdir"`
	Retries   int               `yaml:"retries"`
	Timeout   Duration          `yaml:"timeout"`
}

// Template is a parsed workflow definition. Steps preserve declaration
// order, which breaks topological-sort ties.
type Template struct {
	Version     string `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"-"`

	RawJobs yaml.Node `yaml:"jobs"`
}

// ParseTemplate parses and validates a workflow YAML document
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if t.Name == "" {
		return nil, fmt.Errorf("%w: missing workflow name", ErrParse)
	}
	if t.RawJobs.Kind != yaml.MappingNode || len(t.RawJobs.Content) == 0 {
		return nil, fmt.Errorf("%w: jobs must be a non-empty mapping", ErrParse)
	}

	// a yaml mapping node stores key/value pairs as alternating children,
	// which preserves declaration order
	seen := make(map[string]bool)
	for i := 0; i+1 < len(t.RawJobs.Content); i += 2 {
		name := t.RawJobs.Content[i].Value
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate step %q", ErrParse, name)
		}
		seen[name] = true

		var step Step
		if err := t.RawJobs.Content[i+1].Decode(&step); err != nil {
			return nil, fmt.Errorf("%w: step %q: %v", ErrParse, name, err)
		}
		if len(step.Command) == 0 {
			return nil, fmt.Errorf("%w: step %q has no command", ErrParse, name)
		}
		if step.Retries < 0 {
			return nil, fmt.Errorf("%w: step %q has negative retries", ErrParse, name)
		}
		step.Name = name
		t.Steps = append(t.Steps, step)
	}

	for _, step := range t.Steps {
		for _, dep := range step.DependsOn {
			ref, _, err := splitCondition(dep)
			if err != nil {
				return nil, fmt.Errorf("%w: step %q: %v", ErrParse, step.Name, err)
			}
			if !seen[ref] {
				return nil, fmt.Errorf("%w: step %q depends on undeclared step %q", ErrParse, step.Name, ref)
			}
		}
	}
	t.RawJobs = yaml.Node{}
	return &t, nil
}

// splitCondition splits "step:STATE" into its parts; the default required
// state is COMPLETED.
func splitCondition(ref string) (string, types.JobStatus, error) {
	name, cond, found := strings.Cut(ref, ":")
	if name == "" {
		return "", "", fmt.Errorf("empty dependency reference %q", ref)
	}
	if !found || cond == "" {
		return name, types.StatusCompleted, nil
	}
	switch types.JobStatus(cond) {
	case types.StatusCompleted, types.StatusFailed:
		return name, types.JobStatus(cond), nil
	default:
		return "", "", fmt.Errorf("invalid dependency condition %q", cond)
	}
}

// topoSort orders steps with Kahn's algorithm; ties resolve to declaration
// order. Returns ErrCycleDetected when the graph has a cycle.
func topoSort(steps []Step) ([]*Step, error) {
	index := make(map[string]int, len(steps))
	for i := range steps {
		index[steps[i].Name] = i
	}

	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			ref, _, err := splitCondition(dep)
			if err != nil {
				return nil, err
			}
			j := index[ref]
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// ready list kept sorted by declaration index
	var ready []int
	for i := range steps {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]*Step, 0, len(steps))
	for len(ready) > 0 {
		min := 0
		for k := range ready {
			if ready[k] < ready[min] {
				min = k
			}
		}
		i := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		order = append(order, &steps[i])

		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, ErrCycleDetected
	}
	return order, nil
}
