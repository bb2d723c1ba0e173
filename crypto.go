package sealbox

import (
	"encoding/base64"
	"fmt"

	"southwinds.dev/sealbox/internal/crypto"
	"southwinds.dev/sealbox/internal/debug"
	"southwinds.dev/sealbox/internal/misc"
)

// encrypt seals plaintext under the active key and returns
// base64(nonce || ciphertext || tag)
func (s *Storage) encrypt(plaintext []byte) (string, error) {
	var record string
	err := s.keys.withKey(func(key []byte) error {
		sealed, err := crypto.EncryptValue(s.opts.Cipher, plaintext, key)
		if err != nil {
			return fmt.Errorf("failed to encrypt value: %w", err)
		}
		record = base64.StdEncoding.EncodeToString(sealed)
		return nil
	})
	return record, err
}

// decrypt reverses encrypt. Malformed base64, short records, tag
// mismatches and stale keys all fail with ErrDecryptionFailed.
func (s *Storage) decrypt(record string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(record)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encoding: %v", ErrDecryptionFailed, err)
	}
	debug.Print("decrypt: record %d bytes\n", len(sealed))

	var plaintext []byte
	err = s.keys.withKey(func(key []byte) error {
		plaintext, err = crypto.DecryptValue(s.opts.Cipher, sealed, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// obfuscate maps a logical key to its backing store name. The result only
// depends on the key and the fingerprint, never on the salt.
func (s *Storage) obfuscate(key string) string {
	sum := crypto.HashHex(key + s.opts.Fingerprint.Fingerprint())
	return misc.EncryptedKeyPrefix + sum[:misc.ObfuscatedHashLength]
}
