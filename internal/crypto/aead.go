package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"southwinds.dev/sealbox/internal/misc"
)

// Suite names an authenticated encryption algorithm
type Suite string

const (
	SuiteAESGCM           Suite = "aes-gcm"
	SuiteChaCha20Poly1305 Suite = "chacha20-poly1305"
)

var (
	// ErrDecryptionFailed is returned when a record cannot be authenticated,
	// is malformed, or was sealed under a different key
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnsupportedSuite is returned for unknown cipher suites
	ErrUnsupportedSuite = errors.New("unsupported cipher suite")
)

// NewAEAD creates the AEAD for the suite; both suites use 12 byte nonces
func NewAEAD(suite Suite, key []byte) (cipher.AEAD, error) {
	switch suite {
	case SuiteAESGCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return aead, nil
	case SuiteChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSuite, suite)
	}
}

// Seal encrypts plaintext under a fresh random nonce and returns
// nonce || ciphertext || tag
func Seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to nonce so the result is laid out as nonce || ciphertext || tag
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal
func Open(aead cipher.AEAD, sealed []byte) ([]byte, error) {
	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: record too short", ErrDecryptionFailed)
	}

	plaintext, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// EncryptValue is a helper to encrypt a value with a raw key
func EncryptValue(suite Suite, value, key []byte) ([]byte, error) {
	aead, err := NewAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	return Seal(aead, value)
}

// DecryptValue decrypts a value produced by EncryptValue
func DecryptValue(suite Suite, encryptedData, key []byte) ([]byte, error) {
	aead, err := NewAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	return Open(aead, encryptedData)
}

// Available reports whether the authenticated encryption and secure random
// primitives work in this process
func Available() bool {
	probe := make([]byte, misc.NonceSize)
	if _, err := rand.Read(probe); err != nil {
		return false
	}
	if _, err := aes.NewCipher(make([]byte, 32)); err != nil {
		return false
	}
	return true
}
