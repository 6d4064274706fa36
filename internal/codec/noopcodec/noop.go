// Package noopcodec stores cache entries uncompressed, which keeps them
// readable with plain file tools while debugging.
package noopcodec

import (
	"io"

	"github.com/discochess/pitfall/internal/codec"
)

var _ codec.Codec = (*Codec)(nil)

// Codec passes data through unchanged. Closing a reader or writer it
// returned never closes the wrapped stream.
type Codec struct{}

// New returns a pass-through codec.
func New() *Codec { return &Codec{} }

func (*Codec) Reader(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(r), nil }

func (*Codec) Writer(w io.Writer) (io.WriteCloser, error) { return passWriter{w}, nil }

// Extension is empty: entries carry no suffix.
func (*Codec) Extension() string { return "" }

type passWriter struct{ io.Writer }

func (passWriter) Close() error { return nil }
