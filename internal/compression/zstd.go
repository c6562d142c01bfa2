// Package compression wraps zstd for values written to the persistent medium.
package compression

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
)

// Levels accepted by NewCompressor.
const (
	LevelFastest = 1
	LevelDefault = 2
	LevelBetter  = 3
)

// minSize is the payload size below which compression is skipped.
const minSize = 128

// zstd frame magic number, used to tell compressed payloads from raw ones.
var magic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

func NewCompressor(level int, enabled bool) (*Compressor, error) {
	if !enabled {
		return &Compressor{enabled: false}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case LevelFastest:
		encoderLevel = zstd.SpeedFastest
	case LevelBetter:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, err
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: true,
	}, nil
}

// Compress returns data unchanged when compression is disabled, the payload is
// small, or compressing does not shrink it.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	if !c.enabled || len(data) < minSize {
		return data, nil
	}

	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))

	if len(compressed) >= len(data) {
		return data, nil
	}

	return compressed, nil
}

// Decompress reverses Compress. Payloads that are not zstd frames are
// returned as-is.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, magic) {
		return data, nil
	}
	if !c.enabled {
		// Written by a compressing instance; decode with a one-off reader.
		d, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer d.Close()
		return d.DecodeAll(data, nil)
	}

	return c.decoder.DecodeAll(data, nil)
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
