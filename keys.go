package sealbox

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
	"southwinds.dev/sealbox/internal/crypto"
	"southwinds.dev/sealbox/internal/debug"
	"southwinds.dev/sealbox/internal/misc"
	"southwinds.dev/sealbox/persist"
)

// keyManager owns the salt, the version counter and the derived key.
// The key lives only in a memguard enclave.
type keyManager struct {
	store       persist.Store
	fingerprint FingerprintSource
	params      crypto.KDFParams
	saltLength  int
	logger      hclog.Logger

	mu      sync.RWMutex
	enclave *memguard.Enclave
	group   singleflight.Group
}

func newKeyManager(store persist.Store, opts Options) *keyManager {
	return &keyManager{
		store:       store,
		fingerprint: opts.Fingerprint,
		params:      opts.kdfParams(),
		saltLength:  opts.SaltLength,
		logger:      opts.Logger,
	}
}

// withKey runs fn with the active key, deriving it first if needed. The
// key slice is wiped when fn returns.
func (km *keyManager) withKey(fn func(key []byte) error) error {
	enclave, err := km.activeKey()
	if err != nil {
		return err
	}
	buffer, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buffer.Destroy()
	return fn(buffer.Bytes())
}

// activeKey returns the cached enclave or derives one. Concurrent first
// callers share a single derivation.
func (km *keyManager) activeKey() (*memguard.Enclave, error) {
	km.mu.RLock()
	enclave := km.enclave
	km.mu.RUnlock()
	if enclave != nil {
		return enclave, nil
	}

	v, err, _ := km.group.Do("derive", func() (interface{}, error) {
		km.mu.RLock()
		cached := km.enclave
		km.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		if err := km.initializeFromStored(); err != nil {
			return nil, err
		}
		km.mu.RLock()
		defer km.mu.RUnlock()
		return km.enclave, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*memguard.Enclave), nil
}

// initialize creates a fresh salt, derives the key from it, persists the
// salt and bumps the key version
func (km *keyManager) initialize() error {
	salt, err := crypto.RandomBytes(km.saltLength)
	if err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := crypto.DeriveKey([]byte(km.fingerprint.Fingerprint()), salt, km.params)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}

	if err = km.store.SetItem(misc.SaltKey, []byte(base64.StdEncoding.EncodeToString(salt))); err != nil {
		memguard.WipeBytes(key)
		return fmt.Errorf("failed to persist salt: %w", err)
	}

	version, err := km.version()
	if err != nil {
		km.logger.Warn("key version unreadable, restarting count", "error", err)
		version = 0
	}
	if err = km.store.SetItem(misc.KeyVersionKey, []byte(strconv.Itoa(version+1))); err != nil {
		memguard.WipeBytes(key)
		return fmt.Errorf("failed to persist key version: %w", err)
	}

	debug.Print("initialize: key version %d, salt %d bytes\n", version+1, len(salt))
	km.setKey(key)
	return nil
}

// initializeFromStored re-derives the key from the persisted salt, or
// initializes when no salt exists yet
func (km *keyManager) initializeFromStored() error {
	raw, err := km.store.GetItem(misc.SaltKey)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return km.initialize()
		}
		return fmt.Errorf("failed to load salt: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(salt) == 0 {
		km.logger.Warn("stored salt is corrupt, generating a new one", "error", err)
		return km.initialize()
	}

	key, err := crypto.DeriveKey([]byte(km.fingerprint.Fingerprint()), salt, km.params)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}
	km.setKey(key)
	return nil
}

// setKey moves key into a new enclave; memguard wipes the source slice
func (km *keyManager) setKey(key []byte) {
	enclave := memguard.NewEnclave(key)
	km.mu.Lock()
	km.enclave = enclave
	km.mu.Unlock()
}

// reset forgets the cached key so the next use derives again
func (km *keyManager) reset() {
	km.mu.Lock()
	km.enclave = nil
	km.mu.Unlock()
}

// version reads the persisted counter; a missing entry is version 0
func (km *keyManager) version() (int, error) {
	raw, err := km.store.GetItem(misc.KeyVersionKey)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load key version: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("invalid key version %q: %w", string(raw), err)
	}
	return v, nil
}
