package persist

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is returned by GetItem when no entry exists under the name
var ErrNotFound = errors.New("item not found")

// Store defines the backing key-value store the engine persists to.
// It models a localStorage style API: flat string names mapped to opaque
// values, plus index based enumeration. All values handed to a Store are
// either already encrypted by the engine or are deliberate plaintext
// fallbacks, so implementations never need to apply their own crypto.
type Store interface {

	// Items

	// GetItem retrieves the value stored under name.
	// Returns:
	// - The stored bytes.
	// - ErrNotFound (possibly wrapped) if no entry exists.
	GetItem(name string) ([]byte, error)

	// SetItem creates or overwrites the entry stored under name.
	SetItem(name string, value []byte) error

	// RemoveItem deletes the entry stored under name. Removing a missing
	// entry is not an error.
	RemoveItem(name string) error

	// Enumeration

	// Length returns the number of entries currently stored.
	Length() (int, error)

	// Key returns the name at position index of the sorted name list, or
	// false if index is out of range. The ordering is only stable while the
	// store is not modified.
	Key(index int) (string, bool, error)

	// Keys returns a sorted snapshot of all entry names.
	Keys() ([]string, error)

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/data/storage"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains settings specific to the chosen backend, e.g.
	// "base_path" for the file based stores or the S3Config fields for s3.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	StoreTypeMemory     StoreType = "memory"
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
	StoreTypeBadger     StoreType = "badger"
	StoreTypeBolt       StoreType = "bolt"
)

// keyAt implements Store.Key on top of a sorted snapshot
func keyAt(names []string, index int) (string, bool) {
	if index < 0 || index >= len(names) {
		return "", false
	}
	return names[index], true
}

func sortedNames(names []string) []string {
	sort.Strings(names)
	return names
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("item name cannot be empty")
	}
	return nil
}
