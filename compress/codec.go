// Package compress provides the payload codecs used by the storage engine
// before values are wrapped and encrypted.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrCorrupt is returned by Decompress when the input is not a valid stream
// for the codec. Callers treat it as "not compressed" and fall back to raw bytes.
var ErrCorrupt = errors.New("compressed data is corrupt")

// Codec compresses and decompresses payloads. Decompress(Compress(x)) == x.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

const (
	Gzip = "gzip"
	Zstd = "zstd"
)

// New returns the codec registered under name
func New(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case Gzip, "":
		return NewGzip(), nil
	case Zstd:
		return NewZstd()
	default:
		return nil, fmt.Errorf("unsupported codec: %s", name)
	}
}

// GzipCodec uses klauspost's gzip implementation
type GzipCodec struct {
	level int
}

func NewGzip() *GzipCodec {
	return &GzipCodec{level: gzip.BestSpeed}
}

func (g *GzipCodec) Name() string { return Gzip }

func (g *GzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err = w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err = w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *GzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}

// ZstdCodec keeps one encoder and decoder; both are safe for concurrent
// EncodeAll/DecodeAll calls
type ZstdCodec struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

func NewZstd() (*ZstdCodec, error) {
	z := &ZstdCodec{}
	if err := z.init(); err != nil {
		return nil, err
	}
	return z, nil
}

func (z *ZstdCodec) init() error {
	z.once.Do(func() {
		z.encoder, z.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if z.initErr != nil {
			return
		}
		z.decoder, z.initErr = zstd.NewReader(nil)
	})
	return z.initErr
}

func (z *ZstdCodec) Name() string { return Zstd }

func (z *ZstdCodec) Compress(data []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *ZstdCodec) Decompress(data []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	out, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}
