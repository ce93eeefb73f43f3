package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/brickd/pkg/types"
)

var (
	bucketVolumesByName = []byte("volumes_by_name")
	bucketPeersByUUID   = []byte("peers_by_uuid")
	bucketPeersByHost   = []byte("peers_by_host")
)

// Cache is a bbolt-backed read cache over the text store: O(1) lookups by
// volume name, peer UUID, or hostname without re-parsing the key=value
// files. It is a derived index rather than a source of truth (the text
// files are), so it is rebuilt wholesale at start-up. Store writes do not
// update it; its entries change only through Rebuild and the Put/Delete
// methods below.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens (or creates) the cache database under workDir.
func OpenCache(workDir string) (*Cache, error) {
	dbPath := filepath.Join(workDir, "cache.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketVolumesByName, bucketPeersByUUID, bucketPeersByHost} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("cache: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }

// Rebuild drops and repopulates every bucket from the authoritative text
// records.
func (c *Cache) Rebuild(peers []*types.Peer, volumes []*types.Volume) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketVolumesByName, bucketPeersByUUID, bucketPeersByHost} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		for _, p := range peers {
			if err := putPeerTx(tx, p); err != nil {
				return err
			}
		}
		for _, v := range volumes {
			if err := putVolumeTx(tx, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func putVolumeTx(tx *bolt.Tx, v *types.Volume) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketVolumesByName).Put([]byte(v.Name), data)
}

func putPeerTx(tx *bolt.Tx, p *types.Peer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketPeersByUUID).Put([]byte(p.UUID), data); err != nil {
		return err
	}
	if err := tx.Bucket(bucketPeersByHost).Put([]byte(p.PrimaryHostname), []byte(p.UUID)); err != nil {
		return err
	}
	for _, h := range p.Hostnames {
		if err := tx.Bucket(bucketPeersByHost).Put([]byte(h), []byte(p.UUID)); err != nil {
			return err
		}
	}
	return nil
}

// PutVolume refreshes one volume's cache entry after a write.
func (c *Cache) PutVolume(v *types.Volume) error {
	return c.db.Update(func(tx *bolt.Tx) error { return putVolumeTx(tx, v) })
}

// DeleteVolume drops one volume's cache entry.
func (c *Cache) DeleteVolume(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumesByName).Delete([]byte(name))
	})
}

// GetVolume looks one volume up by name; ok is false on a miss.
func (c *Cache) GetVolume(name string) (*types.Volume, bool) {
	var v *types.Volume
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumesByName).Get([]byte(name))
		if data == nil {
			return nil
		}
		v = &types.Volume{}
		return json.Unmarshal(data, v)
	})
	return v, v != nil
}

// PutPeer refreshes one peer's cache entries.
func (c *Cache) PutPeer(p *types.Peer) error {
	return c.db.Update(func(tx *bolt.Tx) error { return putPeerTx(tx, p) })
}

// DeletePeer drops a peer and its hostname index entries.
func (c *Cache) DeletePeer(p *types.Peer) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPeersByUUID).Delete([]byte(p.UUID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPeersByHost).Delete([]byte(p.PrimaryHostname)); err != nil {
			return err
		}
		for _, h := range p.Hostnames {
			if err := tx.Bucket(bucketPeersByHost).Delete([]byte(h)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPeer looks a peer up by UUID.
func (c *Cache) GetPeer(id types.PeerID) (*types.Peer, bool) {
	var p *types.Peer
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeersByUUID).Get([]byte(id))
		if data == nil {
			return nil
		}
		p = &types.Peer{}
		return json.Unmarshal(data, p)
	})
	return p, p != nil
}

// GetPeerByHost looks a peer up through the hostname index.
func (c *Cache) GetPeerByHost(host string) (*types.Peer, bool) {
	var id string
	_ = c.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketPeersByHost).Get([]byte(host)); raw != nil {
			id = string(raw)
		}
		return nil
	})
	if id == "" {
		return nil, false
	}
	return c.GetPeer(types.PeerID(id))
}
