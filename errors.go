package sealbox

import (
	"errors"

	"southwinds.dev/sealbox/internal/crypto"
)

var (
	// ErrCapabilityUnavailable is reported when the runtime cannot perform
	// authenticated encryption; the engine degrades to plaintext
	ErrCapabilityUnavailable = errors.New("encryption capability unavailable")

	// ErrDecryptionFailed is returned when a record fails authentication, is
	// malformed, or was sealed under a different key
	ErrDecryptionFailed = crypto.ErrDecryptionFailed

	// ErrIntegrityMismatch signals that a stored checksum does not match the value
	ErrIntegrityMismatch = errors.New("integrity checksum mismatch")

	// ErrSerialization wraps envelope and backup (de)serialization failures
	ErrSerialization = errors.New("serialization failed")

	// ErrInvalidExpiry is returned for negative relative expiry durations
	ErrInvalidExpiry = errors.New("invalid expiry options")

	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("storage is closed")
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidNamespace is returned by Namespace for names that could
	// overlap another namespace's prefix
	ErrInvalidNamespace = errors.New("invalid namespace name")
)
