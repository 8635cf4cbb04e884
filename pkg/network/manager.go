package network

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"

	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/storage"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidCIDR = errors.New("invalid CIDR")
	ErrInvalidName = errors.New("invalid network name")
)

const netnsRoot = "/run/netns"

// Manager owns the network catalog. The engine does not create namespaces
// itself; named networks map onto namespaces pre-created under /run/netns,
// with host and bridge as undeletable built-ins.
type Manager struct {
	catalog *storage.Catalog
	logger  zerolog.Logger
}

// NewManager creates the network manager
func NewManager(catalog *storage.Catalog) *Manager {
	return &Manager{catalog: catalog, logger: log.WithComponent("network")}
}

// Create registers a named network with a validated CIDR
func (m *Manager) Create(name, cidr string) error {
	if !types.ValidVolumeName(name) || name == "host" || name == "bridge" {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCIDR, cidr)
	}
	nw := &types.Network{Name: name, CIDR: cidr}
	if err := m.catalog.CreateNetwork(nw); err != nil {
		return err
	}
	m.logger.Info().Str("network", name).Str("cidr", cidr).Msg("network created")
	return nil
}

// Get returns a network's catalog record
func (m *Manager) Get(name string) (*types.Network, error) {
	return m.catalog.GetNetwork(name)
}

// List returns all networks, built-ins included
func (m *Manager) List() ([]*types.Network, error) {
	return m.catalog.ListNetworks()
}

// Delete removes a named network; built-ins and in-use networks are refused
func (m *Manager) Delete(name string) error {
	if err := m.catalog.DeleteNetwork(name); err != nil {
		return err
	}
	m.logger.Info().Str("network", name).Msg("network deleted")
	return nil
}

// NetNSPath returns the namespace path a job joining this network needs;
// empty for host.
func NetNSPath(name string) string {
	switch name {
	case "", "host":
		return ""
	case "bridge":
		return filepath.Join(netnsRoot, "joblet-bridge")
	default:
		return filepath.Join(netnsRoot, name)
	}
}
