package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/jsturma/joblet/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketVolumes  = []byte("volumes")
	bucketNetworks = []byte("networks")
)

var (
	// ErrNotFound indicates the named entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName indicates the name is already taken
	ErrDuplicateName = errors.New("duplicate name")
	// ErrInUse indicates the entity is referenced by at least one job
	ErrInUse = errors.New("in use")
)

// Catalog is the BoltDB-backed store for volumes and networks
type Catalog struct {
	db *bolt.DB
}

// NewCatalog opens (or creates) the catalog database under dataDir and seeds
// the built-in networks.
func NewCatalog(dataDir string) (*Catalog, error) {
	dbPath := filepath.Join(dataDir, "catalog.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketVolumes, bucketNetworks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &Catalog{db: db}
	if err := c.seedBuiltinNetworks(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) seedBuiltinNetworks() error {
	builtins := []*types.Network{
		{Name: "bridge", CIDR: "10.88.0.0/16", Builtin: true},
		{Name: "host", Builtin: true},
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		for _, n := range builtins {
			if b.Get([]byte(n.Name)) != nil {
				continue
			}
			data, err := json.Marshal(n)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(n.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Volume operations

func (c *Catalog) CreateVolume(vol *types.Volume) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		if b.Get([]byte(vol.Name)) != nil {
			return fmt.Errorf("volume %s: %w", vol.Name, ErrDuplicateName)
		}
		if vol.CreatedAt.IsZero() {
			vol.CreatedAt = time.Now()
		}
		data, err := json.Marshal(vol)
		if err != nil {
			return err
		}
		return b.Put([]byte(vol.Name), data)
	})
}

func (c *Catalog) GetVolume(name string) (*types.Volume, error) {
	var vol types.Volume
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumes).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("volume %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &vol)
	})
	if err != nil {
		return nil, err
	}
	return &vol, nil
}

func (c *Catalog) ListVolumes() ([]*types.Volume, error) {
	var vols []*types.Volume
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var vol types.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			vols = append(vols, &vol)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].Name < vols[j].Name })
	return vols, nil
}

// DeleteVolume removes a volume; fails with ErrInUse while jobs reference it
func (c *Catalog) DeleteVolume(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("volume %s: %w", name, ErrNotFound)
		}
		var vol types.Volume
		if err := json.Unmarshal(data, &vol); err != nil {
			return err
		}
		if vol.InUse > 0 {
			return fmt.Errorf("volume %s has %d users: %w", name, vol.InUse, ErrInUse)
		}
		return b.Delete([]byte(name))
	})
}

// AcquireVolumes increments the in-use count of every named volume, or fails
// without side effects if any is missing.
func (c *Catalog) AcquireVolumes(names []string) error {
	return c.adjustVolumes(names, 1)
}

// ReleaseVolumes decrements the in-use count of every named volume. Missing
// volumes are skipped: release must succeed during teardown.
func (c *Catalog) ReleaseVolumes(names []string) error {
	return c.adjustVolumes(names, -1)
}

func (c *Catalog) adjustVolumes(names []string, delta int) error {
	if len(names) == 0 {
		return nil
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		for _, name := range names {
			data := b.Get([]byte(name))
			if data == nil {
				if delta < 0 {
					continue
				}
				return fmt.Errorf("volume %s: %w", name, ErrNotFound)
			}
			var vol types.Volume
			if err := json.Unmarshal(data, &vol); err != nil {
				return err
			}
			vol.InUse += delta
			if vol.InUse < 0 {
				vol.InUse = 0
			}
			out, err := json.Marshal(&vol)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(name), out); err != nil {
				return err
			}
		}
		return nil
	})
}

// Network operations

func (c *Catalog) CreateNetwork(nw *types.Network) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		if b.Get([]byte(nw.Name)) != nil {
			return fmt.Errorf("network %s: %w", nw.Name, ErrDuplicateName)
		}
		data, err := json.Marshal(nw)
		if err != nil {
			return err
		}
		return b.Put([]byte(nw.Name), data)
	})
}

func (c *Catalog) GetNetwork(name string) (*types.Network, error) {
	var nw types.Network
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNetworks).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("network %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &nw)
	})
	if err != nil {
		return nil, err
	}
	return &nw, nil
}

func (c *Catalog) ListNetworks() ([]*types.Network, error) {
	var nws []*types.Network
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).ForEach(func(k, v []byte) error {
			var nw types.Network
			if err := json.Unmarshal(v, &nw); err != nil {
				return err
			}
			nws = append(nws, &nw)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nws, func(i, j int) bool { return nws[i].Name < nws[j].Name })
	return nws, nil
}

// DeleteNetwork removes a named network; built-ins are undeletable
func (c *Catalog) DeleteNetwork(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("network %s: %w", name, ErrNotFound)
		}
		var nw types.Network
		if err := json.Unmarshal(data, &nw); err != nil {
			return err
		}
		if nw.Builtin {
			return fmt.Errorf("network %s is built-in: %w", name, ErrInUse)
		}
		if nw.InUse > 0 {
			return fmt.Errorf("network %s has %d users: %w", name, nw.InUse, ErrInUse)
		}
		return b.Delete([]byte(name))
	})
}

// AcquireNetwork increments the in-use count of the named network, or fails
// without side effects if it does not exist.
func (c *Catalog) AcquireNetwork(name string) error {
	return c.adjustNetwork(name, 1)
}

// ReleaseNetwork decrements the in-use count of the named network. A missing
// network is skipped: release must succeed during teardown.
func (c *Catalog) ReleaseNetwork(name string) error {
	return c.adjustNetwork(name, -1)
}

func (c *Catalog) adjustNetwork(name string, delta int) error {
	if name == "" {
		return nil
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		data := b.Get([]byte(name))
		if data == nil {
			if delta < 0 {
				return nil
			}
			return fmt.Errorf("network %s: %w", name, ErrNotFound)
		}
		var nw types.Network
		if err := json.Unmarshal(data, &nw); err != nil {
			return err
		}
		nw.InUse += delta
		if nw.InUse < 0 {
			nw.InUse = 0
		}
		out, err := json.Marshal(&nw)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), out)
	})
}
