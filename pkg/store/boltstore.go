package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta             = []byte("meta")
	bucketNodes            = []byte("nodes")
	bucketUpdateItems      = []byte("update_items")
	bucketInstances        = []byte("instances")
	bucketStorageState     = []byte("storage_state")
	bucketNetworks         = []byte("networks")
	bucketHosts            = []byte("hosts")
	bucketNetworkInstances = []byte("network_instances")
	bucketSingletons       = []byte("singletons")
)

const (
	keySchemaVersion   = "schema_version"
	keyDesiredStatus   = "desired_status"
	keyUpdateStateCurr = "update_state"
)

// BoltStore implements Store on top of a single bbolt file. All mutating
// methods funnel through db.Update, which bbolt itself serializes with a
// single writer lock; mu additionally guards the handful of read-then-
// write sequences (Add* primary-key checks) that span more than one
// bucket operation.
type BoltStore struct {
	db *bolt.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the bbolt file under dataDir and runs
// any pending forward migrations.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "aos-cm.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindRuntime, "open store", err)
	}

	buckets := [][]byte{
		bucketMeta, bucketNodes, bucketUpdateItems, bucketInstances,
		bucketStorageState, bucketNetworks, bucketHosts,
		bucketNetworkInstances, bucketSingletons,
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, aoserrors.Wrap(aoserrors.KindRuntime, "init buckets", err)
	}

	s := &BoltStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func instanceKey(ident types.InstanceIdent) []byte {
	return []byte(ident.String())
}

func instanceVersionKey(ident types.InstanceIdent, version string) []byte {
	return []byte(ident.String() + "@" + version)
}

func itemKey(itemID, version string) []byte {
	return []byte(itemID + "@" + version)
}

func hostKey(networkID, nodeID string) []byte {
	return []byte(networkID + "/" + nodeID)
}

func niKey(ident types.InstanceIdent, networkID string) []byte {
	return []byte(ident.String() + "/" + networkID)
}

func put(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func get(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func listAll(b *bolt.Bucket, newItem func() any) ([]any, error) {
	var out []any
	err := b.ForEach(func(k, v []byte) error {
		item := newItem()
		if err := json.Unmarshal(v, item); err != nil {
			return err
		}
		out = append(out, item)
		return nil
	})
	return out, err
}

// ---- Node ----

func (s *BoltStore) AddNode(n *types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get([]byte(n.ID)) != nil {
			return aoserrors.New(aoserrors.KindAlreadyExist, "node "+n.ID)
		}
		return put(b, []byte(n.ID), n)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var n types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketNodes), []byte(id), &n)
		if err != nil {
			return err
		}
		if !ok {
			return aoserrors.New(aoserrors.KindNotFound, "node "+id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) UpdateNode(n *types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get([]byte(n.ID)) == nil {
			return aoserrors.New(aoserrors.KindNotFound, "node "+n.ID)
		}
		return put(b, []byte(n.ID), n)
	})
}

func (s *BoltStore) RemoveNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get([]byte(id)) == nil {
			return aoserrors.New(aoserrors.KindNotFound, "node "+id)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListNodes() ([]types.Node, error) {
	var out []types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, n)
			return nil
		})
	})
	return out, err
}

// ---- UpdateItem ----

func (s *BoltStore) AddUpdateItem(i *types.UpdateItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey(i.ItemID, i.Version)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdateItems)
		if b.Get(key) != nil {
			return aoserrors.New(aoserrors.KindAlreadyExist, "update item "+string(key))
		}
		return put(b, key, i)
	})
}

func (s *BoltStore) GetUpdateItem(itemID, version string) (*types.UpdateItem, error) {
	var i types.UpdateItem
	key := itemKey(itemID, version)
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketUpdateItems), key, &i)
		if err != nil {
			return err
		}
		if !ok {
			return aoserrors.New(aoserrors.KindNotFound, "update item "+string(key))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *BoltStore) UpdateUpdateItem(i *types.UpdateItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey(i.ItemID, i.Version)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdateItems)
		if b.Get(key) == nil {
			return aoserrors.New(aoserrors.KindNotFound, "update item "+string(key))
		}
		return put(b, key, i)
	})
}

func (s *BoltStore) RemoveUpdateItem(itemID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey(itemID, version)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdateItems)
		if b.Get(key) == nil {
			return aoserrors.New(aoserrors.KindNotFound, "update item "+string(key))
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) ListUpdateItems() ([]types.UpdateItem, error) {
	var out []types.UpdateItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUpdateItems).ForEach(func(k, v []byte) error {
			var i types.UpdateItem
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			out = append(out, i)
			return nil
		})
	})
	return out, err
}

// ---- InstanceInfo ----

func (s *BoltStore) AddInstance(i *types.InstanceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceVersionKey(i.Ident, i.Version)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		if b.Get(key) != nil {
			return aoserrors.New(aoserrors.KindAlreadyExist, "instance "+string(key))
		}
		return put(b, key, i)
	})
}

func (s *BoltStore) GetInstance(ident types.InstanceIdent, version string) (*types.InstanceInfo, error) {
	var i types.InstanceInfo
	key := instanceVersionKey(ident, version)
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketInstances), key, &i)
		if err != nil {
			return err
		}
		if !ok {
			return aoserrors.New(aoserrors.KindNotFound, "instance "+string(key))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *BoltStore) UpdateInstance(i *types.InstanceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceVersionKey(i.Ident, i.Version)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		if b.Get(key) == nil {
			return aoserrors.New(aoserrors.KindNotFound, "instance "+string(key))
		}
		return put(b, key, i)
	})
}

func (s *BoltStore) RemoveInstance(ident types.InstanceIdent, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceVersionKey(ident, version)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		if b.Get(key) == nil {
			return aoserrors.New(aoserrors.KindNotFound, "instance "+string(key))
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) ListInstances() ([]types.InstanceInfo, error) {
	var out []types.InstanceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var i types.InstanceInfo
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			out = append(out, i)
			return nil
		})
	})
	return out, err
}

// ---- StorageStateInfo ----

func (s *BoltStore) AddStorageState(st *types.StorageStateInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey(st.Ident)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorageState)
		if b.Get(key) != nil {
			return aoserrors.New(aoserrors.KindAlreadyExist, "storage state "+string(key))
		}
		return put(b, key, st)
	})
}

func (s *BoltStore) GetStorageState(ident types.InstanceIdent) (*types.StorageStateInfo, error) {
	var st types.StorageStateInfo
	key := instanceKey(ident)
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketStorageState), key, &st)
		if err != nil {
			return err
		}
		if !ok {
			return aoserrors.New(aoserrors.KindNotFound, "storage state "+string(key))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) UpdateStorageState(st *types.StorageStateInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey(st.Ident)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorageState)
		if b.Get(key) == nil {
			return aoserrors.New(aoserrors.KindNotFound, "storage state "+string(key))
		}
		return put(b, key, st)
	})
}

func (s *BoltStore) RemoveStorageState(ident types.InstanceIdent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey(ident)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorageState)
		if b.Get(key) == nil {
			return aoserrors.New(aoserrors.KindNotFound, "storage state "+string(key))
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) ListStorageStates() ([]types.StorageStateInfo, error) {
	var out []types.StorageStateInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorageState).ForEach(func(k, v []byte) error {
			var st types.StorageStateInfo
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			out = append(out, st)
			return nil
		})
	})
	return out, err
}

// ---- Network ----

func (s *BoltStore) AddNetwork(n *types.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		if b.Get([]byte(n.NetworkID)) != nil {
			return aoserrors.New(aoserrors.KindAlreadyExist, "network "+n.NetworkID)
		}
		return put(b, []byte(n.NetworkID), n)
	})
}

func (s *BoltStore) GetNetwork(networkID string) (*types.Network, error) {
	var n types.Network
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketNetworks), []byte(networkID), &n)
		if err != nil {
			return err
		}
		if !ok {
			return aoserrors.New(aoserrors.KindNotFound, "network "+networkID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) RemoveNetwork(networkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		hosts := tx.Bucket(bucketHosts)
		nis := tx.Bucket(bucketNetworkInstances)
		prefix := []byte(networkID + "/")
		c := hosts.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			return aoserrors.New(aoserrors.KindFailed, "network "+networkID+" still has hosts")
		}
		_ = nis
		nic := nis.Cursor()
		for k, v := nic.First(); k != nil; k, v = nic.Next() {
			var ni types.NetworkInstance
			if err := json.Unmarshal(v, &ni); err != nil {
				return err
			}
			if ni.NetworkID == networkID {
				return aoserrors.New(aoserrors.KindFailed, "network "+networkID+" still has instances")
			}
		}
		b := tx.Bucket(bucketNetworks)
		if b.Get([]byte(networkID)) == nil {
			return aoserrors.New(aoserrors.KindNotFound, "network "+networkID)
		}
		return b.Delete([]byte(networkID))
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) ListNetworks() ([]types.Network, error) {
	var out []types.Network
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).ForEach(func(k, v []byte) error {
			var n types.Network
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, n)
			return nil
		})
	})
	return out, err
}

// ---- Host ----

func (s *BoltStore) AddHost(h *types.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := hostKey(h.NetworkID, h.NodeID)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		if b.Get(key) != nil {
			return aoserrors.New(aoserrors.KindAlreadyExist, "host "+string(key))
		}
		return put(b, key, h)
	})
}

func (s *BoltStore) GetHost(networkID, nodeID string) (*types.Host, error) {
	var h types.Host
	key := hostKey(networkID, nodeID)
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketHosts), key, &h)
		if err != nil {
			return err
		}
		if !ok {
			return aoserrors.New(aoserrors.KindNotFound, "host "+string(key))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *BoltStore) RemoveHost(networkID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := hostKey(networkID, nodeID)
	return s.db.Update(func(tx *bolt.Tx) error {
		nis := tx.Bucket(bucketNetworkInstances)
		c := nis.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ni types.NetworkInstance
			if err := json.Unmarshal(v, &ni); err != nil {
				return err
			}
			if ni.NetworkID == networkID && ni.NodeID == nodeID {
				return aoserrors.New(aoserrors.KindFailed, "host still referenced by a network instance")
			}
		}
		b := tx.Bucket(bucketHosts)
		if b.Get(key) == nil {
			return aoserrors.New(aoserrors.KindNotFound, "host "+string(key))
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) ListHostsByNetwork(networkID string) ([]types.Host, error) {
	var out []types.Host
	prefix := []byte(networkID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHosts).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var h types.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			out = append(out, h)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListHosts() ([]types.Host, error) {
	var out []types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
			var h types.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			out = append(out, h)
			return nil
		})
	})
	return out, err
}

// ---- NetworkInstance ----

func (s *BoltStore) AddNetworkInstance(ni *types.NetworkInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := niKey(ni.Ident, ni.NetworkID)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworkInstances)
		if b.Get(key) != nil {
			return aoserrors.New(aoserrors.KindAlreadyExist, "network instance "+string(key))
		}
		return put(b, key, ni)
	})
}

func (s *BoltStore) GetNetworkInstance(ident types.InstanceIdent, networkID string) (*types.NetworkInstance, error) {
	var ni types.NetworkInstance
	key := niKey(ident, networkID)
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketNetworkInstances), key, &ni)
		if err != nil {
			return err
		}
		if !ok {
			return aoserrors.New(aoserrors.KindNotFound, "network instance "+string(key))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ni, nil
}

func (s *BoltStore) RemoveNetworkInstance(ident types.InstanceIdent, networkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := niKey(ident, networkID)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworkInstances)
		if b.Get(key) == nil {
			return aoserrors.New(aoserrors.KindNotFound, "network instance "+string(key))
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) ListNetworkInstances() ([]types.NetworkInstance, error) {
	var out []types.NetworkInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworkInstances).ForEach(func(k, v []byte) error {
			var ni types.NetworkInstance
			if err := json.Unmarshal(v, &ni); err != nil {
				return err
			}
			out = append(out, ni)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListNetworkInstancesByNetwork(networkID string) ([]types.NetworkInstance, error) {
	all, err := s.ListNetworkInstances()
	if err != nil {
		return nil, err
	}
	var out []types.NetworkInstance
	for _, ni := range all {
		if ni.NetworkID == networkID {
			out = append(out, ni)
		}
	}
	return out, nil
}

// ---- DesiredStatus / UpdateState singletons ----

func (s *BoltStore) SetDesiredStatus(d *types.DesiredStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketSingletons), []byte(keyDesiredStatus), d)
	})
}

func (s *BoltStore) GetDesiredStatus() (*types.DesiredStatus, error) {
	var d types.DesiredStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx.Bucket(bucketSingletons), []byte(keyDesiredStatus), &d)
		if err != nil {
			return err
		}
		if !ok {
			return aoserrors.New(aoserrors.KindNotFound, "desired status")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) SetUpdateState(st types.UpdateStateKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSingletons).Put([]byte(keyUpdateStateCurr), []byte(st))
	})
}

func (s *BoltStore) GetUpdateState() (types.UpdateStateKind, error) {
	var st types.UpdateStateKind
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSingletons).Get([]byte(keyUpdateStateCurr))
		if v == nil {
			st = types.UpdateStateNoUpdate
			return nil
		}
		st = types.UpdateStateKind(v)
		return nil
	})
	return st, err
}
