package network

import (
	"testing"

	"github.com/jsturma/joblet/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	catalog, err := storage.NewCatalog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })
	return NewManager(catalog)
}

func TestBuiltinsSeeded(t *testing.T) {
	m := newManager(t)
	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bridge", list[0].Name)
	assert.True(t, list[0].Builtin)
	assert.Equal(t, "host", list[1].Name)
}

func TestCreateValidatesCIDR(t *testing.T) {
	m := newManager(t)
	assert.ErrorIs(t, m.Create("lab", "not-a-cidr"), ErrInvalidCIDR)
	assert.ErrorIs(t, m.Create("lab", "10.1.0.1"), ErrInvalidCIDR)
	require.NoError(t, m.Create("lab", "10.1.0.0/24"))

	nw, err := m.Get("lab")
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.0/24", nw.CIDR)
}

func TestCreateReservedNames(t *testing.T) {
	m := newManager(t)
	assert.ErrorIs(t, m.Create("host", "10.1.0.0/24"), ErrInvalidName)
	assert.ErrorIs(t, m.Create("bridge", "10.1.0.0/24"), ErrInvalidName)
}

func TestDeleteBuiltinRefused(t *testing.T) {
	m := newManager(t)
	assert.ErrorIs(t, m.Delete("bridge"), storage.ErrInUse)
	assert.ErrorIs(t, m.Delete("host"), storage.ErrInUse)
}

func TestNetNSPath(t *testing.T) {
	assert.Empty(t, NetNSPath(""))
	assert.Empty(t, NetNSPath("host"))
	assert.Equal(t, "/run/netns/joblet-bridge", NetNSPath("bridge"))
	assert.Equal(t, "/run/netns/lab", NetNSPath("lab"))
}
