package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/network"
	"github.com/jsturma/joblet/pkg/runtime"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/rs/zerolog"
)

// ErrBuildFailed wraps any sandbox construction failure after unwind
var ErrBuildFailed = errors.New("sandbox build failed")

// Base environment for sandboxed processes; everything else inherited from
// the engine is scrubbed.
var baseEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/root",
	"LANG=C.UTF-8",
}

// LaunchSpec is a fully materialized execution environment, ready for the
// process supervisor. No process has been started.
type LaunchSpec struct {
	JobID      string
	Argv       []string
	Env        []string
	RootDir    string // chroot target; empty for the host runtime
	WorkDir    string // working directory (inside RootDir when set)
	CgroupPath string
	NetNSPath  string // network namespace to join; empty joins the init net ns

	undo []func() error
}

// VolumeSource resolves volume names for mounting
type VolumeSource interface {
	GetVolume(name string) (*types.Volume, error)
}

// Builder materializes sandboxes: cgroup leaf, staged filesystem view,
// network namespace attachment and derived environment.
type Builder struct {
	stateDir string
	cgroup   CgroupDriver
	mounter  Mounter
	volumes  VolumeSource
	logger   zerolog.Logger
}

// NewBuilder creates a sandbox builder
func NewBuilder(stateDir string, cgroup CgroupDriver, mounter Mounter, volumes VolumeSource) *Builder {
	return &Builder{
		stateDir: stateDir,
		cgroup:   cgroup,
		mounter:  mounter,
		volumes:  volumes,
		logger:   log.WithComponent("sandbox"),
	}
}

// Build constructs the execution environment for a job. Any step's failure
// unwinds previously applied steps in reverse order and returns an error
// wrapping ErrBuildFailed. secrets are the job's secret env vars; they are
// merged last and never logged.
func (b *Builder) Build(ctx context.Context, job *types.Job, manifest *types.RuntimeManifest,
	runtimeRoot string, res *types.Reservation, secrets map[string]string) (spec *LaunchSpec, err error) {

	spec = &LaunchSpec{JobID: job.ID, Argv: append([]string{job.Command}, job.Args...)}

	defer func() {
		if err != nil {
			b.unwind(spec)
			spec = nil
			err = fmt.Errorf("%w: %v", ErrBuildFailed, err)
		}
	}()

	// 1. cgroup leaf with limits
	cg, err := b.cgroup.Create(job.ID)
	if err != nil {
		return nil, err
	}
	spec.CgroupPath = cg
	spec.undo = append(spec.undo, func() error { return b.cgroup.Remove(cg) })

	if err := b.cgroup.Apply(cg, job.Resources, res); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 2. staged filesystem view
	stage := filepath.Join(b.stateDir, "sandbox", job.ID)
	if err := os.MkdirAll(stage, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stage dir: %w", err)
	}
	spec.undo = append(spec.undo, func() error { return os.RemoveAll(stage) })

	workDir := filepath.Join(stage, "work")
	for _, d := range []string{workDir, filepath.Join(workDir, "uploads"), filepath.Join(workDir, "uploaddirs")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}

	var rootDir string
	if manifest.Name != runtime.HostRuntime {
		rootDir = filepath.Join(stage, "rootfs")
		if err := b.mountRuntime(spec, manifest, runtimeRoot, rootDir, workDir); err != nil {
			return nil, err
		}
	}
	spec.RootDir = rootDir

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 3. volumes
	if err := b.mountVolumes(spec, job, stage, rootDir); err != nil {
		return nil, err
	}

	// 4. uploads
	if err := writeUploads(workDir, job.Uploads, job.UploadDirs); err != nil {
		return nil, err
	}

	// 5. GPU devices
	if err := b.mountGPUs(spec, res, rootDir); err != nil {
		return nil, err
	}

	// 6. network namespace
	nsPath, err := resolveNetNS(job.Network)
	if err != nil {
		return nil, err
	}
	spec.NetNSPath = nsPath

	// 7. derived environment: base <- manifest <- job env <- secrets
	spec.Env = deriveEnv(manifest.Environment, job.Env, secrets, res)

	if rootDir != "" {
		spec.WorkDir = "/work"
	} else {
		spec.WorkDir = workDir
	}
	if job.WorkDir != "" {
		spec.WorkDir = job.WorkDir
	}

	b.logger.Debug().Str("job_id", job.ID).Str("runtime", manifest.Name).
		Str("netns", nsPath).Msg("sandbox built")
	return spec, nil
}

func (b *Builder) mountRuntime(spec *LaunchSpec, manifest *types.RuntimeManifest,
	runtimeRoot, rootDir, workDir string) error {

	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return fmt.Errorf("failed to create rootfs: %w", err)
	}
	for _, mnt := range manifest.Mounts {
		src := filepath.Join(runtimeRoot, mnt.Source)
		dst := filepath.Join(rootDir, mnt.Target)
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("failed to create mount target %s: %w", mnt.Target, err)
		}
		if err := b.mounter.Bind(src, dst, mnt.ReadOnly); err != nil {
			return err
		}
		target := dst
		spec.undo = append(spec.undo, func() error { return b.mounter.Unmount(target) })
	}

	// the staged work dir appears at /work inside the sandbox
	dst := filepath.Join(rootDir, "work")
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("failed to create /work: %w", err)
	}
	if err := b.mounter.Bind(workDir, dst, false); err != nil {
		return err
	}
	spec.undo = append(spec.undo, func() error { return b.mounter.Unmount(dst) })
	return nil
}

func (b *Builder) mountVolumes(spec *LaunchSpec, job *types.Job, stage, rootDir string) error {
	for _, name := range job.Volumes {
		vol, err := b.volumes.GetVolume(name)
		if err != nil {
			return err
		}
		mountPath := vol.MountPath
		if mountPath == "" {
			mountPath = filepath.Join("/volumes", vol.Name)
		}
		var dst string
		if rootDir != "" {
			dst = filepath.Join(rootDir, mountPath)
		} else {
			dst = filepath.Join(stage, mountPath)
		}
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("failed to create volume target %s: %w", mountPath, err)
		}

		switch vol.Type {
		case types.VolumeMemory:
			if err := b.mounter.Tmpfs(dst, vol.SizeBytes); err != nil {
				return err
			}
		default:
			src := filepath.Join(b.stateDir, "volumes", vol.Name)
			if err := b.mounter.Bind(src, dst, false); err != nil {
				return err
			}
		}
		target := dst
		spec.undo = append(spec.undo, func() error { return b.mounter.Unmount(target) })
	}
	return nil
}

func (b *Builder) mountGPUs(spec *LaunchSpec, res *types.Reservation, rootDir string) error {
	if len(res.GPUs) == 0 || rootDir == "" {
		return nil
	}
	for _, idx := range res.GPUs {
		dev := fmt.Sprintf("/dev/nvidia%d", idx)
		if _, err := os.Stat(dev); err != nil {
			// inventory without device node; skip rather than fail the build
			b.logger.Warn().Str("device", dev).Msg("gpu device node missing")
			continue
		}
		dst := filepath.Join(rootDir, dev)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if f, err := os.OpenFile(dst, os.O_CREATE, 0600); err == nil {
			f.Close()
		}
		if err := b.mounter.Bind(dev, dst, false); err != nil {
			return err
		}
		target := dst
		spec.undo = append(spec.undo, func() error { return b.mounter.Unmount(target) })
	}
	return nil
}

func writeUploads(workDir string, files []types.FileUpload, dirs []types.DirUpload) error {
	writeFile := func(dir string, f types.FileUpload) error {
		path := filepath.Join(dir, filepath.Clean("/"+f.Name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		mode := os.FileMode(f.Mode)
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(path, f.Data, mode); err != nil {
			return fmt.Errorf("failed to write upload %s: %w", f.Name, err)
		}
		return nil
	}

	for _, f := range files {
		if err := writeFile(filepath.Join(workDir, "uploads"), f); err != nil {
			return err
		}
	}
	for _, d := range dirs {
		dir := filepath.Join(workDir, "uploaddirs", filepath.Clean("/"+d.Name))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		for _, f := range d.Files {
			if err := writeFile(dir, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveNetNS maps a network name to a namespace path and verifies that a
// named namespace actually exists. host (or empty) stays in the init net ns.
func resolveNetNS(name string) (string, error) {
	path := network.NetNSPath(name)
	if path == "" || name == "bridge" {
		return path, nil
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("network namespace %s not found: %w", name, err)
	}
	return path, nil
}

// deriveEnv layers manifest defaults, job env and secret env over the
// scrubbed base. Secret values are indistinguishable from plain ones here;
// they are simply never logged or persisted.
func deriveEnv(manifest, jobEnv, secrets map[string]string, res *types.Reservation) []string {
	merged := make(map[string]string)
	for _, kv := range baseEnv {
		if k, v, ok := splitEnv(kv); ok {
			merged[k] = v
		}
	}
	for k, v := range manifest {
		merged[k] = v
	}
	for k, v := range jobEnv {
		merged[k] = v
	}
	for k, v := range secrets {
		merged[k] = v
	}
	if len(res.GPUs) > 0 {
		merged["CUDA_VISIBLE_DEVICES"] = types.FormatCoreMask(res.GPUs)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func splitEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// Cleanup releases everything a Build applied, in reverse order. Idempotent:
// a second call is a no-op.
func (b *Builder) Cleanup(spec *LaunchSpec) error {
	if spec == nil {
		return nil
	}
	var firstErr error
	for i := len(spec.undo) - 1; i >= 0; i-- {
		if err := spec.undo[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	spec.undo = nil
	return firstErr
}

func (b *Builder) unwind(spec *LaunchSpec) {
	if err := b.Cleanup(spec); err != nil {
		b.logger.Error().Err(err).Str("job_id", spec.JobID).Msg("sandbox unwind error")
	}
}
