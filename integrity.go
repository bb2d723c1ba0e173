package sealbox

import (
	"errors"
	"fmt"
	"time"

	"southwinds.dev/sealbox/internal/crypto"
	"southwinds.dev/sealbox/persist"
)

// IntegrityInfo describes the stored state of one logical key
type IntegrityInfo struct {
	Key              string     `json:"key"`
	StoredName       string     `json:"stored_name"`
	Encrypted        bool       `json:"encrypted"`
	Legacy           bool       `json:"legacy"`
	Decryptable      bool       `json:"decryptable"`
	HasChecksum      bool       `json:"has_checksum"`
	Checksum         string     `json:"checksum,omitempty"`
	ComputedChecksum string     `json:"computed_checksum,omitempty"`
	Valid            bool       `json:"valid"`
	Compressed       bool       `json:"compressed"`
	SchemaVersion    int        `json:"schema_version,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	ModifiedAt       *time.Time `json:"modified_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Expired          bool       `json:"expired"`
}

// VerifyIntegrity recomputes the checksum of key without modifying
// anything. Entries without a checksum are valid.
func (s *Storage) VerifyIntegrity(key string) (bool, error) {
	info, err := s.GetIntegrityInfo(key)
	if err != nil {
		return false, err
	}
	return info.Valid, nil
}

// GetIntegrityInfo inspects key without migrating, expiring or emitting
// events. A record that fails decryption is reported as not valid.
func (s *Storage) GetIntegrityInfo(key string) (*IntegrityInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	info := &IntegrityInfo{Key: key}
	if !s.opts.CapabilityProbe() {
		return s.plainIntegrityInfo(info)
	}

	name := s.obfuscate(key)
	raw, err := s.store.GetItem(name)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return s.plainIntegrityInfo(info)
		}
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	info.StoredName = name
	info.Encrypted = true

	plaintext, err := s.decrypt(string(raw))
	if err != nil {
		return info, nil
	}
	info.Decryptable = true

	env, legacy := unwrap(plaintext)
	if legacy {
		info.Legacy = true
		info.Valid = true
		return info, nil
	}

	info.SchemaVersion = env.Version
	info.Compressed = env.Compressed
	info.CreatedAt = msTime(&env.CreatedAt)
	info.ModifiedAt = msTime(&env.ModifiedAt)
	info.ExpiresAt = msTime(env.ExpiresAt)
	info.Expired = env.expired(s.opts.Clock())
	info.HasChecksum = env.Checksum != ""
	info.Checksum = env.Checksum
	if info.HasChecksum {
		info.ComputedChecksum = crypto.CalculateChecksum([]byte(env.Value))
	}
	info.Valid = env.checksumValid()
	return info, nil
}

func (s *Storage) plainIntegrityInfo(info *IntegrityInfo) (*IntegrityInfo, error) {
	_, found, err := s.readPlain(info.Key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, info.Key)
	}
	info.StoredName = info.Key
	info.Legacy = true
	info.Valid = true
	return info, nil
}

func msTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
