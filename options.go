package sealbox

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"southwinds.dev/sealbox/compress"
	"southwinds.dev/sealbox/internal/crypto"
	"southwinds.dev/sealbox/internal/misc"
)

// KDF selects the key derivation function
type KDF = crypto.KDF

const (
	KDFPBKDF2   = crypto.KDFPBKDF2
	KDFArgon2id = crypto.KDFArgon2id
)

// Cipher selects the authenticated encryption suite
type Cipher = crypto.Suite

const (
	CipherAESGCM           = crypto.SuiteAESGCM
	CipherChaCha20Poly1305 = crypto.SuiteChaCha20Poly1305
)

// Options configures a Storage engine. The zero value is usable: every
// unset field falls back to a default when New applies it.
//
// KEY DERIVATION:
// The derived key is a function of the process fingerprint, the persisted
// salt and the KDF parameters below. Changing AppID, KDF, Iterations, Hash
// or KeyLength on an existing store makes previously written records
// unreadable until they are re-imported from a backup, because a
// different key is derived from the same salt.
//
// FALLBACK BEHAVIOUR:
// CapabilityProbe is evaluated on every operation. When it reports false
// the engine stores and reads values in plaintext under their logical
// names and logs a warning instead of failing. Tests use it to force the
// fallback path.
type Options struct {
	// AppID separates deployments that must not read each other's data.
	AppID string `json:"app_id,omitempty"`

	// TenantID is recorded in audit events.
	TenantID string `json:"tenant_id,omitempty"`

	KDF        KDF    `json:"kdf,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
	Hash       string `json:"hash,omitempty"`
	KeyLength  int    `json:"key_length,omitempty"` // bits
	SaltLength int    `json:"salt_length,omitempty"`
	Cipher     Cipher `json:"cipher,omitempty"`

	DisableCompression   bool           `json:"disable_compression,omitempty"`
	CompressionThreshold int            `json:"compression_threshold,omitempty"`
	Codec                compress.Codec `json:"-"`

	AutoCleanup     bool          `json:"auto_cleanup,omitempty"`
	CleanupInterval time.Duration `json:"cleanup_interval,omitempty"`

	// StrictIntegrity makes a checksum mismatch hide the value instead of
	// only emitting an error event.
	StrictIntegrity bool `json:"strict_integrity,omitempty"`

	// EnableMemoryLock tries to mlock the process memory on New.
	EnableMemoryLock bool `json:"enable_memory_lock,omitempty"`

	Logger          hclog.Logger     `json:"-"`
	CapabilityProbe func() bool      `json:"-"`
	Clock           func() time.Time `json:"-"`

	// Fingerprint overrides the environment derived fingerprint.
	Fingerprint FingerprintSource `json:"-"`
}

// DefaultCapabilityProbe reports whether authenticated encryption works in
// this process
func DefaultCapabilityProbe() bool {
	return crypto.Available()
}

// Validate checks option combinations that cannot work
func (o Options) Validate() error {
	opts := o.withDefaults()

	if err := opts.kdfParams().Validate(); err != nil {
		return err
	}
	switch opts.Cipher {
	case CipherAESGCM:
	case CipherChaCha20Poly1305:
		if opts.KeyLength != 256 {
			return fmt.Errorf("%s requires a 256-bit key, got %d", opts.Cipher, opts.KeyLength)
		}
	default:
		return fmt.Errorf("%w: %s", crypto.ErrUnsupportedSuite, opts.Cipher)
	}
	if opts.SaltLength < 8 {
		return fmt.Errorf("salt length must be at least 8 bytes, got %d", opts.SaltLength)
	}
	if o.CompressionThreshold < 0 {
		return fmt.Errorf("compression threshold cannot be negative")
	}
	if o.CleanupInterval < 0 {
		return fmt.Errorf("cleanup interval cannot be negative")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.AppID == "" {
		o.AppID = misc.DefaultAppID
	}
	if o.TenantID == "" {
		o.TenantID = "default"
	}
	if o.KDF == "" {
		o.KDF = KDFPBKDF2
	}
	if o.Iterations == 0 {
		o.Iterations = misc.DefaultIterations
	}
	if o.Hash == "" {
		o.Hash = misc.DefaultHash
	}
	if o.KeyLength == 0 {
		o.KeyLength = misc.DefaultKeyLength
	}
	if o.SaltLength == 0 {
		o.SaltLength = misc.SaltSize
	}
	if o.Cipher == "" {
		o.Cipher = CipherAESGCM
	}
	if o.CompressionThreshold == 0 {
		o.CompressionThreshold = misc.DefaultCompressionThreshold
	}
	if o.Codec == nil {
		o.Codec = compress.NewGzip()
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = misc.DefaultCleanupInterval
	}
	if o.Logger == nil {
		o.Logger = hclog.New(&hclog.LoggerOptions{
			Name:  "sealbox",
			Level: hclog.Warn,
		})
	}
	if o.CapabilityProbe == nil {
		o.CapabilityProbe = DefaultCapabilityProbe
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Fingerprint == nil {
		o.Fingerprint = NewFingerprintProvider(o.AppID)
	}
	return o
}

func (o Options) kdfParams() crypto.KDFParams {
	return crypto.KDFParams{
		KDF:        o.KDF,
		Iterations: o.Iterations,
		Hash:       o.Hash,
		KeyLength:  o.KeyLength,
	}
}
