package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jsturma/joblet/pkg/types"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response decoded from the server
type APIError struct {
	Status  int      `json:"-"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Volumes []string `json:"volumes,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Options configure a Client
type Options struct {
	// BaseURL like "https://host:7622". Required.
	BaseURL string
	// Role is sent as the X-Joblet-Role header when no client certificate
	// carries one.
	Role string
	// CertFile/KeyFile enable mTLS; CAFile pins the server CA.
	CertFile string
	KeyFile  string
	CAFile   string
	Timeout  time.Duration
}

// Client talks to the engine's HTTP API
type Client struct {
	base string
	role string
	http *http.Client
	tls  *tls.Config
}

// New builds a client from options
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	var tlsCfg *tls.Config
	if opts.CertFile != "" || opts.CAFile != "" {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		if opts.CertFile != "" {
			cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		if opts.CAFile != "" {
			pem, err := os.ReadFile(opts.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates in %s", opts.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
	}

	transport := &http.Transport{TLSClientConfig: tlsCfg}
	return &Client{
		base: opts.BaseURL,
		role: opts.Role,
		http: &http.Client{Timeout: timeout, Transport: transport},
		tls:  tlsCfg,
	}, nil
}

// RoleHeader mirrors the server-side principal header
const RoleHeader = "X-Joblet-Role"

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	switch v := in.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(v)
		contentType = "application/yaml"
	default:
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(v); err != nil {
			return err
		}
		body = buf
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.role != "" {
		req.Header.Set(RoleHeader, c.role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Code = "Unknown"
			apiErr.Message = resp.Status
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// JobSubmission is the execute request accepted by SubmitJob
type JobSubmission struct {
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	MaxCPU        int               `json:"maxCPU,omitempty"`
	MaxMemory     int64             `json:"maxMemory,omitempty"`
	MaxIOBPS      int64             `json:"maxIOBPS,omitempty"`
	CPUCores      string            `json:"cpuCores,omitempty"`
	GPUCount      int               `json:"gpuCount,omitempty"`
	GPUMemoryMB   int64             `json:"gpuMemoryMb,omitempty"`
	Runtime       string            `json:"runtime,omitempty"`
	Network       string            `json:"network,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	EnvVars       map[string]string `json:"envVars,omitempty"`
	SecretEnvVars map[string]string `json:"secretEnvVars,omitempty"`
	WorkDir       string            `json:"workDir,omitempty"`
	Schedule      string            `json:"schedule,omitempty"`
	Timeout       string            `json:"timeout,omitempty"`
}

// SubmitJob submits a job and returns the created record
func (c *Client) SubmitJob(ctx context.Context, sub *JobSubmission) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", sub, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobList is one page of jobs
type JobList struct {
	Jobs  []*types.Job `json:"jobs"`
	Total int          `json:"total"`
}

// ListJobs fetches a page of jobs; status "" means all, size 0 means
// everything.
func (c *Client) ListJobs(ctx context.Context, status string, page, size int) (*JobList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if size > 0 {
		q.Set("page", strconv.Itoa(page))
		q.Set("size", strconv.Itoa(size))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list JobList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetJob fetches one job
func (c *Client) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// StopJob requests termination of a job
func (c *Client) StopJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/stop", nil, nil)
}

// DeleteJob removes a terminal job
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, nil)
}

// StreamLogs opens a WebSocket log stream. from < 0 tails live records only.
// The returned channel closes when the stream ends; call the cancel func to
// stop early.
func (c *Client) StreamLogs(ctx context.Context, jobID string, from int64) (<-chan types.LogRecord, func(), error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/jobs/" + jobID + "/logs"
	if from >= 0 {
		u.RawQuery = "from=" + strconv.FormatInt(from, 10)
	}

	header := http.Header{}
	if c.role != "" {
		header.Set(RoleHeader, c.role)
	}
	dialer := websocket.Dialer{TLSClientConfig: c.tls}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, nil, err
	}

	out := make(chan types.LogRecord)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var rec types.LogRecord
			if err := conn.ReadJSON(&rec); err != nil {
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	cancel := func() { conn.Close() }
	return out, cancel, nil
}

// ListRuntimes fetches the installed runtimes
func (c *Client) ListRuntimes(ctx context.Context) ([]*types.RuntimeManifest, error) {
	var list []*types.RuntimeManifest
	if err := c.do(ctx, http.MethodGet, "/v1/runtimes", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// InstallRuntime starts a runtime build and returns the build job id
func (c *Client) InstallRuntime(ctx context.Context, name, source string) (string, error) {
	var resp struct {
		JobID string `json:"jobId"`
	}
	body := map[string]string{"name": name, "source": source}
	if err := c.do(ctx, http.MethodPost, "/v1/runtimes/install", body, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// RemoveRuntime uninstalls a runtime
func (c *Client) RemoveRuntime(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/runtimes/"+url.PathEscape(name), nil, nil)
}

// CreateVolume creates a named volume; size is like "512MB"
func (c *Client) CreateVolume(ctx context.Context, name, size, typ string) error {
	body := map[string]string{"name": name, "size": size}
	if typ != "" {
		body["type"] = typ
	}
	return c.do(ctx, http.MethodPost, "/v1/volumes", body, nil)
}

// ListVolumes fetches all volumes
func (c *Client) ListVolumes(ctx context.Context) ([]*types.Volume, error) {
	var list []*types.Volume
	if err := c.do(ctx, http.MethodGet, "/v1/volumes", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// DeleteVolume removes an unused volume
func (c *Client) DeleteVolume(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/volumes/"+url.PathEscape(name), nil, nil)
}

// CreateNetwork creates a named network
func (c *Client) CreateNetwork(ctx context.Context, name, cidr string) error {
	body := map[string]string{"name": name, "cidr": cidr}
	return c.do(ctx, http.MethodPost, "/v1/networks", body, nil)
}

// ListNetworks fetches all networks
func (c *Client) ListNetworks(ctx context.Context) ([]*types.Network, error) {
	var list []*types.Network
	if err := c.do(ctx, http.MethodGet, "/v1/networks", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// DeleteNetwork removes an unused network
func (c *Client) DeleteNetwork(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/networks/"+url.PathEscape(name), nil, nil)
}

// SubmitWorkflow submits a workflow template as raw YAML
func (c *Client) SubmitWorkflow(ctx context.Context, yaml []byte, createMissingVolumes bool) (*types.Workflow, error) {
	path := "/v1/workflows"
	if createMissingVolumes {
		path += "?create-missing-volumes=true"
	}
	var wf types.Workflow
	if err := c.do(ctx, http.MethodPost, path, yaml, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetWorkflow fetches one workflow
func (c *Client) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	var wf types.Workflow
	if err := c.do(ctx, http.MethodGet, "/v1/workflows/"+url.PathEscape(id), nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListWorkflows fetches all workflows
func (c *Client) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	var list []*types.Workflow
	if err := c.do(ctx, http.MethodGet, "/v1/workflows", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// CancelWorkflow stops a running workflow and its jobs
func (c *Client) CancelWorkflow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/workflows/"+url.PathEscape(id), nil, nil)
}
