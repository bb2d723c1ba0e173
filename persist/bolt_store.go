package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"southwinds.dev/sealbox/internal/misc"
)

const boltTimeout = time.Second

var itemsBucket = []byte("items")

// BoltStore implements Store on a single bolt database file per tenant
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (or creates) basePath/tenantID.db
func NewBoltStore(basePath, tenantID string) (*BoltStore, error) {
	tenantID, err := normalizeTenantID(tenantID)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(basePath, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", basePath, err)
	}

	path := filepath.Join(basePath, tenantID+".db")
	db, err := bolt.Open(path, misc.FilePermissions, &bolt.Options{Timeout: boltTimeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(itemsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: create bucket: %w", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

func (b *BoltStore) GetItem(name string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(itemsBucket).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		// bolt values are only valid inside the transaction
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *BoltStore) SetItem(name string, value []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).Put([]byte(name), value)
	})
}

func (b *BoltStore) RemoveItem(name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).Delete([]byte(name))
	})
}

func (b *BoltStore) Length() (int, error) {
	count := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(itemsBucket).Stats().KeyN
		return nil
	})
	return count, err
}

func (b *BoltStore) Key(index int) (string, bool, error) {
	names, err := b.Keys()
	if err != nil {
		return "", false, err
	}
	name, ok := keyAt(names, index)
	return name, ok, nil
}

func (b *BoltStore) Keys() ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: iterate keys: %w", err)
	}
	return names, nil
}

func (b *BoltStore) Ping() error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(itemsBucket) == nil {
			return fmt.Errorf("bolt: bucket missing in %s", b.path)
		}
		return nil
	})
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) GetType() string {
	return string(StoreTypeBolt)
}
