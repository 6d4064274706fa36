// Package zstdcodec provides a zstd compression codec.
package zstdcodec

import (
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/discochess/pitfall/internal/codec"
)

var _ codec.Codec = (*Codec)(nil)

// Codec implements zstd compression.
// Cache entries are small, so encoders and decoders run single-threaded.
type Codec struct {
	level zstd.EncoderLevel
}

// New returns a zstd codec using the default level.
func New() *Codec {
	return &Codec{level: zstd.SpeedDefault}
}

// NewLevel returns a zstd codec with the given level name
// ("fastest", "default", "better", "best").
func NewLevel(name string) *Codec {
	ok, level := zstd.EncoderLevelFromString(name)
	if !ok {
		level = zstd.SpeedDefault
	}
	return &Codec{level: level}
}

// Reader wraps r to decompress zstd data.
func (c *Codec) Reader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

// Writer wraps w to compress data with zstd.
func (c *Codec) Writer(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(c.level), zstd.WithEncoderConcurrency(1))
}

// Extension returns "zst".
func (c *Codec) Extension() string {
	return "zst"
}
