package volume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/storage"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/rs/zerolog"
)

var ErrInvalidName = errors.New("invalid volume name")

// Manager owns named volumes: catalog entries plus their on-disk backing.
// Filesystem volumes live under <state-dir>/volumes/<name>; memory volumes
// are tmpfs mounts materialized per sandbox and have no backing directory.
type Manager struct {
	baseDir string
	catalog *storage.Catalog
	logger  zerolog.Logger
}

// NewManager creates the volume manager and its base directory
func NewManager(stateDir string, catalog *storage.Catalog) (*Manager, error) {
	baseDir := filepath.Join(stateDir, "volumes")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}
	return &Manager{
		baseDir: baseDir,
		catalog: catalog,
		logger:  log.WithComponent("volume"),
	}, nil
}

// Create registers a volume and, for filesystem volumes, creates its
// backing directory.
func (m *Manager) Create(name string, sizeBytes int64, typ types.VolumeType) error {
	if !types.ValidVolumeName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if typ == "" {
		typ = types.VolumeFilesystem
	}
	vol := &types.Volume{
		Name:      name,
		Type:      typ,
		SizeBytes: sizeBytes,
		MountPath: filepath.Join("/volumes", name),
		CreatedAt: time.Now(),
	}
	if err := m.catalog.CreateVolume(vol); err != nil {
		return err
	}
	if typ == types.VolumeFilesystem {
		if err := os.MkdirAll(m.HostPath(name), 0755); err != nil {
			_ = m.catalog.DeleteVolume(name)
			return fmt.Errorf("failed to create volume directory: %w", err)
		}
	}
	m.logger.Info().Str("volume", name).Str("type", string(typ)).
		Int64("size", sizeBytes).Msg("volume created")
	return nil
}

// Get returns the volume's catalog record
func (m *Manager) Get(name string) (*types.Volume, error) {
	return m.catalog.GetVolume(name)
}

// GetVolume aliases Get for the sandbox builder's volume source
func (m *Manager) GetVolume(name string) (*types.Volume, error) {
	return m.Get(name)
}

// List returns all volumes
func (m *Manager) List() ([]*types.Volume, error) {
	return m.catalog.ListVolumes()
}

// Delete removes a volume and its backing directory. Refused while any job
// holds the volume.
func (m *Manager) Delete(name string) error {
	vol, err := m.catalog.GetVolume(name)
	if err != nil {
		return err
	}
	if err := m.catalog.DeleteVolume(name); err != nil {
		return err
	}
	if vol.Type == types.VolumeFilesystem {
		if err := os.RemoveAll(m.HostPath(name)); err != nil {
			m.logger.Error().Err(err).Str("volume", name).Msg("failed to remove volume directory")
		}
	}
	m.logger.Info().Str("volume", name).Msg("volume deleted")
	return nil
}

// HostPath returns the backing directory of a filesystem volume
func (m *Manager) HostPath(name string) string {
	return filepath.Join(m.baseDir, name)
}
