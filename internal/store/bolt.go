package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"thingrpc/internal/rules"
	"thingrpc/internal/types"
)

var (
	bucketThings       = []byte("things")
	bucketRules        = []byte("rules")
	bucketPluginConfig = []byte("plugin_config")
	bucketVendorsOUI   = []byte("vendors_oui")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketThings, bucketRules, bucketPluginConfig, bucketVendorsOUI} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func put(tx *bolt.Tx, name []byte, key string, v any) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (s *BoltStore) SaveThing(t *types.Thing) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketThings, t.ID, t)
	})
}

func (s *BoltStore) GetThing(id string) (*types.Thing, error) {
	var t types.Thing
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketThings)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("thing %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) UpdateThing(id string, fn func(t *types.Thing) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketThings)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("thing %s: %w", id, ErrNotFound)
		}
		var t types.Thing
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if err := fn(&t); err != nil {
			return err
		}
		t.ID = id
		return put(tx, bucketThings, id, &t)
	})
}

func (s *BoltStore) DeleteThing(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketThings)
		if err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListThings() ([]*types.Thing, error) {
	var things []*types.Thing
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketThings)
		if b == nil {
			return nil // no bucket = no things
		}
		things = make([]*types.Thing, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var t types.Thing
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			things = append(things, &t)
			return nil
		})
	})
	return things, err
}

func (s *BoltStore) SaveRule(r *rules.Rule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRules, r.ID, r)
	})
}

func (s *BoltStore) DeleteRule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketRules)
		if err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListRules() ([]*rules.Rule, error) {
	var out []*rules.Rule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var r rules.Rule
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("rule %s: %w", k, err)
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SavePluginConfig(pluginID string, params types.ParamList) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketPluginConfig, pluginID, params)
	})
}

func (s *BoltStore) PluginConfig(pluginID string) (types.ParamList, error) {
	var params types.ParamList
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketPluginConfig)
		if err != nil {
			return err
		}
		data := b.Get([]byte(pluginID))
		if data == nil {
			return fmt.Errorf("plugin config %s: %w", pluginID, ErrNotFound)
		}
		return json.Unmarshal(data, &params)
	})
	if err != nil {
		return nil, err
	}
	return params, nil
}

// ImportVendors stores MAC prefix to vendor name mappings in one
// transaction. Invalid prefixes fail the whole import.
func (s *BoltStore) ImportVendors(prefixes map[string]string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketVendorsOUI)
		if err != nil {
			return err
		}
		for prefix, vendor := range prefixes {
			oui, err := NormalizeOUI(prefix)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(oui), []byte(vendor)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// VendorLookup returns the vendor registered for the MAC's prefix.
func (s *BoltStore) VendorLookup(mac string) (string, error) {
	oui, err := NormalizeOUI(mac)
	if err != nil {
		return "", err
	}
	var vendor string
	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketVendorsOUI)
		if err != nil {
			return err
		}
		data := b.Get([]byte(oui))
		if data == nil {
			return fmt.Errorf("vendor %s: %w", oui, ErrNotFound)
		}
		vendor = string(data)
		return nil
	})
	return vendor, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
