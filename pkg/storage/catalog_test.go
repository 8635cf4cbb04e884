package storage

import (
	"testing"
	"time"

	"github.com/jsturma/joblet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBuiltinNetworks(t *testing.T) {
	c := newTestCatalog(t)

	nws, err := c.ListNetworks()
	require.NoError(t, err)
	require.Len(t, nws, 2)
	assert.Equal(t, "bridge", nws[0].Name)
	assert.Equal(t, "host", nws[1].Name)
	assert.True(t, nws[0].Builtin)

	err = c.DeleteNetwork("bridge")
	assert.ErrorIs(t, err, ErrInUse)
	err = c.DeleteNetwork("host")
	assert.ErrorIs(t, err, ErrInUse)
}

func TestVolumeLifecycle(t *testing.T) {
	c := newTestCatalog(t)

	vol := &types.Volume{
		Name:      "data",
		Type:      types.VolumeFilesystem,
		SizeBytes: 1000 * 1000,
		MountPath: "/volumes/data",
	}
	require.NoError(t, c.CreateVolume(vol))

	err := c.CreateVolume(&types.Volume{Name: "data"})
	assert.ErrorIs(t, err, ErrDuplicateName)

	got, err := c.GetVolume("data")
	require.NoError(t, err)
	assert.Equal(t, types.VolumeFilesystem, got.Type)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = c.GetVolume("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVolumeInUseGuard(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.CreateVolume(&types.Volume{Name: "scratch", CreatedAt: time.Now()}))

	require.NoError(t, c.AcquireVolumes([]string{"scratch"}))

	err := c.DeleteVolume("scratch")
	assert.ErrorIs(t, err, ErrInUse)

	require.NoError(t, c.ReleaseVolumes([]string{"scratch"}))
	assert.NoError(t, c.DeleteVolume("scratch"))
}

func TestAcquireMissingVolume(t *testing.T) {
	c := newTestCatalog(t)
	err := c.AcquireVolumes([]string{"nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	// release of a missing volume must not fail teardown
	assert.NoError(t, c.ReleaseVolumes([]string{"nope"}))
}

func TestNetworkLifecycle(t *testing.T) {
	c := newTestCatalog(t)

	require.NoError(t, c.CreateNetwork(&types.Network{Name: "lab", CIDR: "10.1.0.0/24"}))
	err := c.CreateNetwork(&types.Network{Name: "lab"})
	assert.ErrorIs(t, err, ErrDuplicateName)

	got, err := c.GetNetwork("lab")
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.0/24", got.CIDR)

	assert.NoError(t, c.DeleteNetwork("lab"))
	_, err = c.GetNetwork("lab")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNetworkInUseGuard(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.CreateNetwork(&types.Network{Name: "lab", CIDR: "10.1.0.0/24"}))

	require.NoError(t, c.AcquireNetwork("lab"))

	err := c.DeleteNetwork("lab")
	assert.ErrorIs(t, err, ErrInUse)

	got, err := c.GetNetwork("lab")
	require.NoError(t, err)
	assert.Equal(t, 1, got.InUse)

	require.NoError(t, c.ReleaseNetwork("lab"))
	assert.NoError(t, c.DeleteNetwork("lab"))
}

func TestAcquireMissingNetwork(t *testing.T) {
	c := newTestCatalog(t)
	err := c.AcquireNetwork("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	// release of a missing network must not fail teardown
	assert.NoError(t, c.ReleaseNetwork("nope"))
	assert.NoError(t, c.ReleaseNetwork(""))
}
