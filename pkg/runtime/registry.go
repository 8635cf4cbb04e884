package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// HostRuntime is the built-in passthrough runtime: no mounts, host filesystem
const HostRuntime = "host"

var (
	// ErrNotFound indicates no runtime with that name is registered
	ErrNotFound = errors.New("runtime not found")
	// ErrDuplicateName indicates the runtime name is already registered
	ErrDuplicateName = errors.New("runtime already registered")
	// ErrInvalidMount indicates a mount source escapes the runtime root
	ErrInvalidMount = errors.New("invalid mount")
	// ErrInUse indicates a non-terminal job references the runtime
	ErrInUse = errors.New("runtime in use")
)

// InUseFunc reports whether any non-terminal job references the runtime
type InUseFunc func(name string) bool

type entry struct {
	manifest *types.RuntimeManifest
	root     string // absolute path of the runtime tree; empty for host
}

// Registry catalogs installed runtime manifests. Writes come only from the
// installer path; reads are concurrent.
type Registry struct {
	dir    string
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	// InUse guards unregister; wired by the engine at startup
	InUse InUseFunc
}

// NewRegistry loads every runtime tree under dir (one subdirectory per
// runtime, each with a runtime.yml at its root).
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runtimes dir: %w", err)
	}
	r := &Registry{
		dir:     dir,
		logger:  log.WithComponent("runtime"),
		entries: make(map[string]*entry),
		InUse:   func(string) bool { return false },
	}
	r.entries[HostRuntime] = &entry{
		manifest: &types.RuntimeManifest{
			Name:        HostRuntime,
			Version:     "builtin",
			Description: "host filesystem passthrough",
		},
	}

	dirs, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read runtimes dir: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		root := filepath.Join(dir, d.Name())
		manifest, err := LoadManifest(root)
		if err != nil {
			r.logger.Warn().Err(err).Str("runtime", d.Name()).Msg("skipping runtime tree")
			continue
		}
		if err := r.Register(manifest, root); err != nil {
			r.logger.Warn().Err(err).Str("runtime", d.Name()).Msg("failed to register runtime")
		}
	}
	return r, nil
}

// LoadManifest parses <root>/runtime.yml
func LoadManifest(root string) (*types.RuntimeManifest, error) {
	data, err := os.ReadFile(filepath.Join(root, "runtime.yml"))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m types.RuntimeManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Name == "" {
		m.Name = filepath.Base(root)
	}
	return &m, nil
}

// validateMounts rejects any mount source that is absolute or escapes the
// runtime root after symlink-free normalization.
func validateMounts(m *types.RuntimeManifest) error {
	for _, mnt := range m.Mounts {
		src := filepath.Clean(mnt.Source)
		if filepath.IsAbs(src) {
			return fmt.Errorf("mount source %q is absolute: %w", mnt.Source, ErrInvalidMount)
		}
		if src == ".." || strings.HasPrefix(src, "../") {
			return fmt.Errorf("mount source %q escapes runtime root: %w", mnt.Source, ErrInvalidMount)
		}
		if !filepath.IsAbs(mnt.Target) {
			return fmt.Errorf("mount target %q is not absolute: %w", mnt.Target, ErrInvalidMount)
		}
	}
	return nil
}

// Register adds a manifest for the runtime tree rooted at root. Manifests
// are immutable after registration.
func (r *Registry) Register(manifest *types.RuntimeManifest, root string) error {
	if manifest.Name == "" {
		return fmt.Errorf("runtime name must not be empty")
	}
	if err := validateMounts(manifest); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[manifest.Name]; ok {
		return fmt.Errorf("runtime %s: %w", manifest.Name, ErrDuplicateName)
	}
	r.entries[manifest.Name] = &entry{manifest: manifest, root: root}
	r.logger.Info().Str("runtime", manifest.Name).Str("version", manifest.Version).Msg("runtime registered")
	return nil
}

// Lookup returns the manifest and tree root for a runtime name
func (r *Registry) Lookup(name string) (*types.RuntimeManifest, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, "", fmt.Errorf("runtime %s: %w", name, ErrNotFound)
	}
	return e.manifest, e.root, nil
}

// List returns all manifests ordered by name
func (r *Registry) List() []*types.RuntimeManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.RuntimeManifest, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unregister removes a runtime. The host runtime cannot be removed, and a
// runtime referenced by a non-terminal job fails with ErrInUse.
func (r *Registry) Unregister(name string) error {
	if name == HostRuntime {
		return fmt.Errorf("runtime %s is built-in: %w", name, ErrInUse)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("runtime %s: %w", name, ErrNotFound)
	}
	if r.InUse(name) {
		return fmt.Errorf("runtime %s: %w", name, ErrInUse)
	}
	delete(r.entries, name)
	r.logger.Info().Str("runtime", name).Msg("runtime unregistered")
	return nil
}

// Dir returns the runtimes directory (runtime trees are installed under it)
func (r *Registry) Dir() string {
	return r.dir
}
