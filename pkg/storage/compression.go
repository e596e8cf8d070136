package storage

import (
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/klauspost/compress/zstd"
)

// Compressor handles payload compression for stored records.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// compressionLevels maps configured levels onto zstd presets.
var compressionLevels = map[int]zstd.EncoderLevel{
	1: zstd.SpeedFastest,
	2: zstd.SpeedDefault,
	3: zstd.SpeedBetterCompression,
	4: zstd.SpeedBestCompression,
}

// NewCompressor creates a compressor for the given level. Unknown levels
// select zstd's default preset.
func NewCompressor(level int) (*Compressor, error) {
	encLevel, ok := compressionLevels[level]
	if !ok {
		encLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, errors.Wrap(err, "create encoder")
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, errors.Wrap(err, "create decoder")
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Compress compresses raw bytes.
func (c *Compressor) Compress(data []byte) []byte {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decompress")
	}
	return out, nil
}

// Marshal encodes v as JSON and compresses it.
func (c *Compressor) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return c.Compress(data), nil
}

// Unmarshal decompresses data and decodes the JSON into v.
func (c *Compressor) Unmarshal(data []byte, v any) error {
	raw, err := c.Decompress(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "unmarshal payload")
	}
	return nil
}

// Close closes the compressor resources
func (c *Compressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
