package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/sealbox/internal/misc"
)

// KDF names a key derivation function
type KDF string

const (
	KDFPBKDF2   KDF = "pbkdf2"
	KDFArgon2id KDF = "argon2id"
)

var ErrInvalidKDFParams = errors.New("invalid key derivation parameters")

// KDFParams configures DeriveKey
type KDFParams struct {
	KDF        KDF
	Iterations int    // PBKDF2 rounds
	Hash       string // SHA-256, SHA-384 or SHA-512
	KeyLength  int    // bits: 128, 192 or 256
}

// Validate checks the parameters without deriving anything
func (p KDFParams) Validate() error {
	switch p.KeyLength {
	case 128, 192, 256:
	default:
		return fmt.Errorf("%w: key length %d bits", ErrInvalidKDFParams, p.KeyLength)
	}

	switch p.KDF {
	case KDFPBKDF2, "":
		if p.Iterations < misc.MinIterations {
			return fmt.Errorf("%w: iterations must be at least %d", ErrInvalidKDFParams, misc.MinIterations)
		}
		if _, err := hashFunc(p.Hash); err != nil {
			return err
		}
	case KDFArgon2id:
	default:
		return fmt.Errorf("%w: unknown kdf %q", ErrInvalidKDFParams, p.KDF)
	}
	return nil
}

// DeriveKey turns password material and a salt into a symmetric key.
// Identical inputs always yield the identical key.
func DeriveKey(password, salt []byte, params KDFParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty salt", ErrInvalidKDFParams)
	}

	keyLen := params.KeyLength / 8

	if params.KDF == KDFArgon2id {
		return argon2.IDKey(password, salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, uint32(keyLen)), nil
	}

	h, _ := hashFunc(params.Hash)
	return pbkdf2.Key(password, salt, params.Iterations, keyLen, h), nil
}

func hashFunc(name string) (func() hash.Hash, error) {
	switch strings.ToUpper(strings.ReplaceAll(name, "_", "-")) {
	case "SHA-256", "SHA256", "":
		return sha256.New, nil
	case "SHA-384", "SHA384":
		return sha512.New384, nil
	case "SHA-512", "SHA512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: unsupported hash %q", ErrInvalidKDFParams, name)
	}
}
