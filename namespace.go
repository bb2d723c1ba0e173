package sealbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"southwinds.dev/sealbox/internal/misc"
	"southwinds.dev/sealbox/persist"
)

// Namespace is a view of a Storage that prefixes every key with
// ns_<name>_. It only rewrites keys; encryption, expiry and events are
// handled by the underlying Storage.
type Namespace struct {
	storage *Storage
	name    string
	prefix  string
}

// Namespace returns a view isolating keys under name. The name must be
// non-empty and must not contain the '_' separator, otherwise the prefix of
// one namespace could match keys of another ("a" and "a_b").
func (s *Storage) Namespace(name string) (*Namespace, error) {
	if err := misc.ValidateNamespaceName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNamespace, err)
	}
	return &Namespace{
		storage: s,
		name:    name,
		prefix:  misc.NamespaceKeyPrefix(name),
	}, nil
}

// Name returns the namespace name
func (n *Namespace) Name() string {
	return n.name
}

func (n *Namespace) key(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	return n.prefix + key, nil
}

// SetItem stores value under key in the namespace without expiry
func (n *Namespace) SetItem(key, value string) error {
	return n.SetItemWithExpiry(key, value, ExpiryOptions{})
}

// SetItemWithExpiry stores value under key in the namespace
func (n *Namespace) SetItemWithExpiry(key, value string, expiry ExpiryOptions) error {
	full, err := n.key(key)
	if err != nil {
		return err
	}
	return n.storage.SetWithExpiry(full, value, expiry)
}

// GetItem reads key from the namespace. See Storage.Get.
func (n *Namespace) GetItem(key string) (string, bool, error) {
	full, err := n.key(key)
	if err != nil {
		return "", false, err
	}
	return n.storage.Get(full)
}

// RemoveItem deletes key from the namespace
func (n *Namespace) RemoveItem(key string) error {
	full, err := n.key(key)
	if err != nil {
		return err
	}
	return n.storage.Remove(full)
}

// HasItem reports whether key exists in the namespace
func (n *Namespace) HasItem(key string) (bool, error) {
	full, err := n.key(key)
	if err != nil {
		return false, err
	}
	return n.storage.Has(full)
}

// Keys returns the sorted keys in the namespace, without the prefix.
// Encrypted entries are only found when they decrypt and carry their
// logical key; expired entries are left out.
func (n *Namespace) Keys() ([]string, error) {
	s := n.storage
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	names, err := s.store.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	found := make(map[string]struct{})
	probe := s.opts.CapabilityProbe()
	now := s.opts.Clock()
	for _, name := range names {
		if strings.HasPrefix(name, n.prefix) {
			found[strings.TrimPrefix(name, n.prefix)] = struct{}{}
			continue
		}
		if !probe || !misc.IsEncryptedKey(name) {
			continue
		}

		raw, err := s.store.GetItem(name)
		if err != nil {
			if !errors.Is(err, persist.ErrNotFound) {
				s.opts.Logger.Debug("skipping unreadable entry", "name", name, "error", err)
			}
			continue
		}
		plaintext, err := s.decrypt(string(raw))
		if err != nil {
			continue
		}
		env, legacy := unwrap(plaintext)
		if legacy || env.expired(now) || !strings.HasPrefix(env.Key, n.prefix) {
			continue
		}
		found[strings.TrimPrefix(env.Key, n.prefix)] = struct{}{}
	}

	keys := make([]string, 0, len(found))
	for key := range found {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// ClearNamespace removes every key in the namespace and returns how many
// were removed. Removal continues past individual failures.
func (n *Namespace) ClearNamespace() (int, error) {
	keys, err := n.Keys()
	if err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, key := range keys {
		if err = n.RemoveItem(key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
