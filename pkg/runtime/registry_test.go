package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jsturma/joblet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRuntimeTree(t *testing.T, dir, name, manifest string) string {
	t.Helper()
	root := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "runtime.yml"), []byte(manifest), 0644))
	return root
}

const pythonManifest = `
name: python-3.11-ml
version: "3.11"
description: Python with ML deps
mounts:
  - source: usr
    target: /usr
    readonly: true
  - source: lib
    target: /lib
    readonly: true
environment:
  PYTHONHOME: /usr
`

func TestLoadAtStartup(t *testing.T) {
	dir := t.TempDir()
	writeRuntimeTree(t, dir, "python-3.11-ml", pythonManifest)

	r, err := NewRegistry(dir)
	require.NoError(t, err)

	m, root, err := r.Lookup("python-3.11-ml")
	require.NoError(t, err)
	assert.Equal(t, "3.11", m.Version)
	assert.Len(t, m.Mounts, 2)
	assert.Equal(t, filepath.Join(dir, "python-3.11-ml"), root)
}

func TestHostBuiltin(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	m, root, err := r.Lookup(HostRuntime)
	require.NoError(t, err)
	assert.Empty(t, m.Mounts)
	assert.Empty(t, root)

	err = r.Unregister(HostRuntime)
	assert.ErrorIs(t, err, ErrInUse)
}

func TestRegisterDuplicate(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	m := &types.RuntimeManifest{Name: "go-1.22"}
	require.NoError(t, r.Register(m, "/tmp/go-1.22"))
	err = r.Register(m, "/tmp/go-1.22")
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestRegisterRejectsEscapingMounts(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	tests := []types.MountSpec{
		{Source: "../etc", Target: "/etc"},
		{Source: "usr/../../etc", Target: "/etc"},
		{Source: "/etc", Target: "/etc"},
		{Source: "usr", Target: "relative/target"},
	}
	for _, mnt := range tests {
		m := &types.RuntimeManifest{Name: "bad", Mounts: []types.MountSpec{mnt}}
		err := r.Register(m, "/tmp/bad")
		assert.ErrorIs(t, err, ErrInvalidMount, "mount %+v", mnt)
	}
}

func TestListOrderedByName(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, r.Register(&types.RuntimeManifest{Name: "zig"}, ""))
	require.NoError(t, r.Register(&types.RuntimeManifest{Name: "alpine"}, ""))

	list := r.List()
	require.Len(t, list, 3) // includes host
	assert.Equal(t, "alpine", list[0].Name)
	assert.Equal(t, "host", list[1].Name)
	assert.Equal(t, "zig", list[2].Name)
}

func TestUnregisterInUse(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	require.NoError(t, err)
	r.InUse = func(name string) bool { return name == "busy" }

	require.NoError(t, r.Register(&types.RuntimeManifest{Name: "busy"}, ""))
	require.NoError(t, r.Register(&types.RuntimeManifest{Name: "idle"}, ""))

	assert.ErrorIs(t, r.Unregister("busy"), ErrInUse)
	assert.NoError(t, r.Unregister("idle"))
	assert.ErrorIs(t, r.Unregister("idle"), ErrNotFound)
}

func TestLookupNotFound(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	require.NoError(t, err)
	_, _, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
