package misc

import "time"

const (
	// EnvelopeVersion is the schema version written into every value envelope
	EnvelopeVersion = 1

	// EncryptedKeyPrefix marks obfuscated key names in the backing store
	EncryptedKeyPrefix = "__enc_"
	// ObfuscatedHashLength is the number of hex characters kept from the key hash
	ObfuscatedHashLength = 16

	// SaltKey and KeyVersionKey are the reserved system entries
	SaltKey       = "__sealbox_salt__"
	KeyVersionKey = "__sealbox_key_version__"

	// NamespacePrefix is prepended to namespaced logical keys as ns_<name>_
	NamespacePrefix = "ns_"
	// NamespaceSeparator ends the namespace name inside a logical key
	NamespaceSeparator = "_"

	// Key derivation parameters
	DefaultIterations   = 100000
	MinIterations       = 1000
	DefaultKeyLength    = 256
	DefaultHash         = "SHA-256"
	SaltSize            = 16
	NonceSize           = 12
	TagSize             = 16
	DefaultAppID        = "sealbox"
	FingerprintFallback = "unknown"

	// Argon2id parameters used when the argon2id KDF is selected
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4

	// Passphrase sealing (backup files)
	PassphraseIterations = 100000
	PassphraseSaltSize   = 32

	DefaultCompressionThreshold = 1024
	DefaultCleanupInterval      = 60 * time.Second

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
