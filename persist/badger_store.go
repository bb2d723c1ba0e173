package persist

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/go-hclog"
)

const badgerGCInterval = 10 * time.Minute

// BadgerStore implements Store on an embedded Badger database, one
// database directory per tenant
type BadgerStore struct {
	db     *badger.DB
	dir    string
	logger hclog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBadgerStore opens (or creates) the Badger database at basePath/tenantID
func NewBadgerStore(basePath, tenantID string) (*BadgerStore, error) {
	tenantID, err := normalizeTenantID(tenantID)
	if err != nil {
		return nil, err
	}
	return openBadger(filepath.Join(basePath, tenantID), false)
}

// NewInMemoryBadgerStore creates a Badger store that never touches disk
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	return openBadger("", true)
}

func openBadger(dir string, inMemory bool) (*BadgerStore, error) {
	logger := hclog.L().Named("badger")

	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	store := &BadgerStore{
		db:     db,
		dir:    dir,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go store.gcLoop(inMemory)
	return store, nil
}

func (b *BadgerStore) GetItem(name string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%s: %w", name, ErrNotFound)
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *BadgerStore) SetItem(name string, value []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), value)
	})
}

func (b *BadgerStore) RemoveItem(name string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(name))
	})
}

func (b *BadgerStore) Length() (int, error) {
	names, err := b.Keys()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (b *BadgerStore) Key(index int) (string, bool, error) {
	names, err := b.Keys()
	if err != nil {
		return "", false, err
	}
	name, ok := keyAt(names, index)
	return name, ok, nil
}

// Keys iterates keys only. Badger already yields them in byte order.
func (b *BadgerStore) Keys() ([]string, error) {
	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: iterate keys: %w", err)
	}
	return names, nil
}

func (b *BadgerStore) Ping() error {
	if b.db.IsClosed() {
		return fmt.Errorf("badger: db is closed")
	}
	return nil
}

func (b *BadgerStore) Close() error {
	select {
	case <-b.stopCh:
		return nil
	default:
	}
	close(b.stopCh)
	<-b.doneCh

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("badger: close db: %w", err)
	}
	return nil
}

func (b *BadgerStore) GetType() string {
	return string(StoreTypeBadger)
}

func (b *BadgerStore) gcLoop(inMemory bool) {
	defer close(b.doneCh)
	if inMemory {
		<-b.stopCh
		return
	}

	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Error("value log gc failed", "dir", b.dir, "error", err)
			}
		case <-b.stopCh:
			return
		}
	}
}

// badgerLogger routes badger's internal logging into hclog
type badgerLogger struct {
	logger hclog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace(fmt.Sprintf(format, args...))
}
