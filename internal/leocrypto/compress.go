// Package leocrypto implements the streaming transforms the Secure Store
// inserts between caller bytes and the backend adapter (spec §4.2, §4.3):
// an optional compressor and an optional authenticated-encryption stream.
// Both are pluggable external collaborators per spec §1; this package
// supplies concrete, real-dependency-backed reference implementations used
// by default wiring and by every test in this repository.
package leocrypto

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v3"
)

// Compressor is the consumed contract for the compression stage: wrap a
// write-side or read-side stream with the codec's framing.
type Compressor interface {
	Name() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// zstdCompressor wraps github.com/klauspost/compress/zstd, Leo's default
// compression codec (config.CompressionCodec == "zstd").
type zstdCompressor struct{}

func NewZstdCompressor() Compressor { return zstdCompressor{} }

func (zstdCompressor) Name() string { return "zstd" }

func (zstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func (zstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zstdReadCloser{dec}, nil
}

// lz4Compressor wraps github.com/pierrec/lz4/v3, a lower-latency/
// lower-ratio alternative codec selectable via config.CompressionCodec ==
// "lz4" — e.g. for latency-sensitive partitions.
type lz4Compressor struct{}

func NewLZ4Compressor() Compressor { return lz4Compressor{} }

func (lz4Compressor) Name() string { return "lz4" }

func (lz4Compressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

type lz4ReadCloser struct {
	*lz4.Reader
}

func (lz4ReadCloser) Close() error { return nil }

func (lz4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return lz4ReadCloser{lz4.NewReader(r)}, nil
}

// ByName resolves a codec by its Config.CompressionCodec value. An unknown
// name is a configuration error the caller should validate at startup, not
// here — ByName returns nil for unknown names.
func ByName(name string) Compressor {
	switch name {
	case "zstd", "":
		return NewZstdCompressor()
	case "lz4":
		return NewLZ4Compressor()
	default:
		return nil
	}
}
