package volume

import (
	"os"
	"testing"

	"github.com/jsturma/joblet/pkg/storage"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, *storage.Catalog) {
	t.Helper()
	dir := t.TempDir()
	catalog, err := storage.NewCatalog(dir)
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	m, err := NewManager(dir, catalog)
	require.NoError(t, err)
	return m, catalog
}

func TestCreateFilesystemVolume(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Create("data", 1<<30, types.VolumeFilesystem))

	vol, err := m.Get("data")
	require.NoError(t, err)
	assert.Equal(t, types.VolumeFilesystem, vol.Type)
	assert.Equal(t, "/volumes/data", vol.MountPath)

	info, err := os.Stat(m.HostPath("data"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreateMemoryVolumeHasNoBackingDir(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Create("scratch", 64<<20, types.VolumeMemory))

	_, err := os.Stat(m.HostPath("scratch"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateDuplicate(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Create("data", 0, ""))
	err := m.Create("data", 0, "")
	assert.ErrorIs(t, err, storage.ErrDuplicateName)
}

func TestCreateInvalidName(t *testing.T) {
	m, _ := newManager(t)
	for _, name := range []string{"", "-leading", "has space", "a/b"} {
		assert.ErrorIs(t, m.Create(name, 0, ""), ErrInvalidName, "name %q", name)
	}
}

func TestDeleteRemovesDirectory(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Create("data", 0, ""))
	require.NoError(t, m.Delete("data"))

	_, err := m.Get("data")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, statErr := os.Stat(m.HostPath("data"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeleteInUseRefused(t *testing.T) {
	m, catalog := newManager(t)
	require.NoError(t, m.Create("data", 0, ""))
	require.NoError(t, catalog.AcquireVolumes([]string{"data"}))

	assert.ErrorIs(t, m.Delete("data"), storage.ErrInUse)

	require.NoError(t, catalog.ReleaseVolumes([]string{"data"}))
	assert.NoError(t, m.Delete("data"))
}
