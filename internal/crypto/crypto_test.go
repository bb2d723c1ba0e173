package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, bits int) []byte {
	key, err := DeriveKey([]byte("fingerprint"), []byte("0123456789abcdef"), KDFParams{
		KDF:        KDFPBKDF2,
		Iterations: 1000,
		Hash:       "SHA-256",
		KeyLength:  bits,
	})
	require.NoError(t, err)
	return key
}

func TestRoundTrip(t *testing.T) {
	plaintexts := map[string][]byte{
		"empty":      {},
		"ascii":      []byte("Hello, World!"),
		"multi-byte": []byte("Unicode: こんにちは 🔐 ñ"),
		"large":      []byte(strings.Repeat("sealbox-", 2000)),
	}

	suites := []struct {
		suite Suite
		bits  int
	}{
		{SuiteAESGCM, 128},
		{SuiteAESGCM, 192},
		{SuiteAESGCM, 256},
		{SuiteChaCha20Poly1305, 256},
	}

	for _, s := range suites {
		key := testKey(t, s.bits)
		for name, pt := range plaintexts {
			t.Run(string(s.suite)+"/"+name, func(t *testing.T) {
				sealed, err := EncryptValue(s.suite, pt, key)
				require.NoError(t, err)

				opened, err := DecryptValue(s.suite, sealed, key)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(pt, opened), "round trip mismatch")
			})
		}
	}
}

func TestNonceUniqueness(t *testing.T) {
	key := testKey(t, 256)
	aead, err := NewAEAD(SuiteAESGCM, key)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		sealed, err := Seal(aead, []byte("same plaintext"))
		require.NoError(t, err)
		nonce := string(sealed[:aead.NonceSize()])
		assert.False(t, seen[nonce], "nonce reused at iteration %d", i)
		seen[nonce] = true
	}
}

func TestTamperDetection(t *testing.T) {
	key := testKey(t, 256)
	sealed, err := EncryptValue(SuiteAESGCM, []byte("do not touch"), key)
	require.NoError(t, err)

	for i := 0; i < len(sealed); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), sealed...)
			tampered[i] ^= 1 << bit
			_, err := DecryptValue(SuiteAESGCM, tampered, key)
			require.ErrorIs(t, err, ErrDecryptionFailed, "byte %d bit %d", i, bit)
		}
	}
}

func TestDecryptFailures(t *testing.T) {
	key := testKey(t, 256)
	other := testKey(t, 128)

	sealed, err := EncryptValue(SuiteAESGCM, []byte("payload"), key)
	require.NoError(t, err)

	_, err = DecryptValue(SuiteAESGCM, sealed[:10], key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	wrongKey := append([]byte(nil), key...)
	wrongKey[0] ^= 0xFF
	_, err = DecryptValue(SuiteAESGCM, sealed, wrongKey)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = DecryptValue(SuiteAESGCM, sealed, other)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = NewAEAD("rot13", key)
	assert.ErrorIs(t, err, ErrUnsupportedSuite)

	_, err = NewAEAD(SuiteChaCha20Poly1305, other)
	assert.Error(t, err, "chacha20poly1305 requires a 256 bit key")
}

func TestDeriveKeyDeterminism(t *testing.T) {
	salt := []byte("fixed-salt-value")
	for _, params := range []KDFParams{
		{KDF: KDFPBKDF2, Iterations: 1000, Hash: "SHA-256", KeyLength: 256},
		{KDF: KDFPBKDF2, Iterations: 1000, Hash: "SHA-384", KeyLength: 192},
		{KDF: KDFPBKDF2, Iterations: 1000, Hash: "SHA-512", KeyLength: 128},
		{KDF: KDFArgon2id, KeyLength: 256},
	} {
		k1, err := DeriveKey([]byte("fp"), salt, params)
		require.NoError(t, err)
		k2, err := DeriveKey([]byte("fp"), salt, params)
		require.NoError(t, err)
		assert.Equal(t, k1, k2)
		assert.Len(t, k1, params.KeyLength/8)

		k3, err := DeriveKey([]byte("fp"), []byte("another-salt-val"), params)
		require.NoError(t, err)
		assert.NotEqual(t, k1, k3)
	}
}

func TestDeriveKeyValidation(t *testing.T) {
	cases := []KDFParams{
		{KDF: KDFPBKDF2, Iterations: 10, Hash: "SHA-256", KeyLength: 256},
		{KDF: KDFPBKDF2, Iterations: 1000, Hash: "MD5", KeyLength: 256},
		{KDF: KDFPBKDF2, Iterations: 1000, Hash: "SHA-256", KeyLength: 100},
		{KDF: "scrypt", KeyLength: 256},
	}
	for _, params := range cases {
		_, err := DeriveKey([]byte("fp"), []byte("salt"), params)
		assert.ErrorIs(t, err, ErrInvalidKDFParams, "%+v", params)
	}

	_, err := DeriveKey([]byte("fp"), nil, KDFParams{Iterations: 1000, KeyLength: 256})
	assert.ErrorIs(t, err, ErrInvalidKDFParams)
}

func TestPassphraseSealing(t *testing.T) {
	data := []byte(`{"items":[]}`)
	sealed, err := EncryptWithPassphrase(data, "correct horse battery staple")
	require.NoError(t, err)

	opened, err := DecryptWithPassphrase(sealed, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, data, opened)

	_, err = DecryptWithPassphrase(sealed, "wrong")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = EncryptWithPassphrase(data, "")
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		CalculateChecksum(nil))
	assert.Equal(t, CalculateChecksum([]byte("abc")), HashHex("abc"))
	assert.True(t, Available())
}
