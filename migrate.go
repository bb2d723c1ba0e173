package sealbox

import (
	"errors"
	"fmt"

	"southwinds.dev/sealbox/internal/misc"
	"southwinds.dev/sealbox/persist"
)

// MigrationResult counts the outcome of MigrateExistingData
type MigrationResult struct {
	Migrated int              `json:"migrated"`
	Skipped  int              `json:"skipped"`
	Failed   int              `json:"failed"`
	Failures map[string]error `json:"-"`
}

// MigrateExistingData encrypts the plaintext entries stored under the
// given logical keys and removes the plaintext copies. Keys with no
// plaintext entry, or that already have an encrypted entry, are skipped.
// Every key is attempted; failures are collected in the result.
func (s *Storage) MigrateExistingData(keys []string) (*MigrationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.opts.CapabilityProbe() {
		return nil, ErrCapabilityUnavailable
	}

	requestID := s.newRequestID()
	result := &MigrationResult{Failures: make(map[string]error)}
	for _, key := range keys {
		migrated, err := s.migrateKey(key)
		switch {
		case err != nil:
			result.Failed++
			result.Failures[key] = err
		case migrated:
			result.Migrated++
		default:
			result.Skipped++
		}
	}

	s.logAudit(requestID, "MIGRATE", nil, map[string]interface{}{
		"requested": len(keys),
		"migrated":  result.Migrated,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
	})
	return result, nil
}

func (s *Storage) migrateKey(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	value, found, err := s.readPlain(key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if _, err = s.store.GetItem(s.obfuscate(key)); err == nil {
		// the encrypted entry is authoritative, drop the stale copy
		if err = s.store.RemoveItem(key); err != nil {
			return false, fmt.Errorf("failed to remove plaintext copy: %w", err)
		}
		return false, nil
	} else if !errors.Is(err, persist.ErrNotFound) {
		return false, err
	}

	encrypted, err := s.setItem(key, value, ExpiryOptions{})
	if err != nil {
		return false, err
	}
	if !encrypted {
		return false, fmt.Errorf("%w: value kept in plaintext", ErrCapabilityUnavailable)
	}
	return true, nil
}

// PlainKeys lists the logical keys that are stored unencrypted
func (s *Storage) PlainKeys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	names, err := s.store.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	var plain []string
	for _, name := range names {
		if misc.IsEncryptedKey(name) || misc.IsReservedKey(name) {
			continue
		}
		plain = append(plain, name)
	}
	return plain, nil
}
