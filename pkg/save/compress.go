// Package save - compression hook.
//
// The engine operates with pass-through compression by default; Zstd is
// the supplied real implementation.
package save

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor is the pluggable compression hook applied to serialized
// payloads before storage. Implementations must be safe for concurrent
// use.
type Compressor interface {
	// Name identifies the codec; it is recorded on each SaveRecord so
	// reads can detect a mismatched configuration. An empty name means
	// pass-through: the engine stores payloads uncompressed.
	Name() string

	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NopCompressor is the pass-through default.
type NopCompressor struct{}

func (NopCompressor) Name() string                           { return "" }
func (NopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// ZstdCompressor compresses payloads with zstd. Encoder and decoder are
// created lazily and reused.
type ZstdCompressor struct {
	once    sync.Once
	initErr error
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// NewZstdCompressor creates a zstd compressor at the default level.
func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (z *ZstdCompressor) init() error {
	z.once.Do(func() {
		z.enc, z.initErr = zstd.NewWriter(nil)
		if z.initErr != nil {
			return
		}
		z.dec, z.initErr = zstd.NewReader(nil)
	})
	return z.initErr
}

// Name returns "zstd".
func (z *ZstdCompressor) Name() string { return "zstd" }

// Compress returns the zstd frame for data.
func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	return z.enc.EncodeAll(data, nil), nil
}

// Decompress expands a zstd frame.
func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// Verify implementations satisfy Compressor
var (
	_ Compressor = NopCompressor{}
	_ Compressor = (*ZstdCompressor)(nil)
)
