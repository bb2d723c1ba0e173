package sealbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"Defaults", Options{}, false},
		{"Argon2id", Options{KDF: KDFArgon2id}, false},
		{"ChaCha", Options{Cipher: CipherChaCha20Poly1305}, false},
		{"AES128", Options{KeyLength: 128}, false},
		{"TooFewIterations", Options{Iterations: 999}, true},
		{"UnknownHash", Options{Hash: "MD5"}, true},
		{"BadKeyLength", Options{KeyLength: 100}, true},
		{"ChaChaShortKey", Options{Cipher: CipherChaCha20Poly1305, KeyLength: 128}, true},
		{"UnknownCipher", Options{Cipher: "rot13"}, true},
		{"UnknownKDF", Options{KDF: "scrypt"}, true},
		{"ShortSalt", Options{SaltLength: 4}, true},
		{"NegativeThreshold", Options{CompressionThreshold: -1}, true},
		{"NegativeInterval", Options{CleanupInterval: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, "sealbox", opts.AppID)
	assert.Equal(t, KDFPBKDF2, opts.KDF)
	assert.Equal(t, 100000, opts.Iterations)
	assert.Equal(t, 256, opts.KeyLength)
	assert.Equal(t, CipherAESGCM, opts.Cipher)
	assert.Equal(t, 1024, opts.CompressionThreshold)
	require.NotNil(t, opts.Codec)
	require.NotNil(t, opts.Logger)
	require.NotNil(t, opts.Clock)
	require.NotNil(t, opts.Fingerprint)
	assert.True(t, opts.CapabilityProbe())
}

func TestFingerprintProvider(t *testing.T) {
	calls := 0
	descriptors := []Descriptor{
		func() string { calls++; return "host-a" },
		func() string { return "linux" },
	}

	p := NewFingerprintProvider("app", descriptors...)
	first := p.Fingerprint()
	assert.Len(t, first, 64)
	assert.Equal(t, first, p.Fingerprint())
	assert.Equal(t, 1, calls)

	assert.Equal(t, first, NewFingerprintProvider("app", descriptors...).Fingerprint())
	assert.NotEqual(t, first, NewFingerprintProvider("other-app", descriptors...).Fingerprint())
}

func TestFingerprintDescriptorPanic(t *testing.T) {
	panicking := NewFingerprintProvider("app", func() string { panic("no host") })
	unknown := NewFingerprintProvider("app", func() string { return "unknown" })

	var fp string
	assert.NotPanics(t, func() { fp = panicking.Fingerprint() })
	assert.Equal(t, unknown.Fingerprint(), fp)
}

func TestDefaultFingerprintIsStable(t *testing.T) {
	assert.NotEmpty(t, DefaultDescriptors())
	a := NewFingerprintProvider("app").Fingerprint()
	b := NewFingerprintProvider("app").Fingerprint()
	assert.Equal(t, a, b)
}

func TestStaticFingerprint(t *testing.T) {
	assert.Equal(t, "fixed", StaticFingerprint("fixed").Fingerprint())
}
