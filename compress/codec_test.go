package compress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecs(t *testing.T) {
	payload := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 100))

	for _, name := range []string{Gzip, Zstd} {
		t.Run(name, func(t *testing.T) {
			codec, err := New(name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())

			compressed, err := codec.Compress(payload)
			require.NoError(t, err)
			assert.Less(t, len(compressed), len(payload))

			restored, err := codec.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, restored)

			empty, err := codec.Compress(nil)
			require.NoError(t, err)
			restored, err = codec.Decompress(empty)
			require.NoError(t, err)
			assert.Empty(t, restored)
		})
	}
}

func TestDecompressCorrupt(t *testing.T) {
	for _, name := range []string{Gzip, Zstd} {
		codec, err := New(name)
		require.NoError(t, err)

		_, err = codec.Decompress([]byte("definitely not compressed"))
		assert.ErrorIs(t, err, ErrCorrupt, name)
	}
}

func TestUnknownCodec(t *testing.T) {
	_, err := New("lz4")
	assert.Error(t, err)
}
