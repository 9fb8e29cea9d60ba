// Package blockcodec implements C2: a uniform compress/decompress
// contract over the block compression algorithms Kyla packages
// support, as specified in §4.2.
package blockcodec

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"

	"github.com/Anteru/kyla/pkg/kylaerr"
)

// Algorithm identifies a block compression scheme by its on-disk id,
// exactly as recorded in fs_chunk_compression.Algorithm.
type Algorithm string

const (
	// Deflate is the "ZIP" algorithm id (§4.2): standard deflate,
	// default-level during pipeline tests, best-level at build time.
	Deflate Algorithm = "ZIP"
	// Brotli is the "Brotli" algorithm id, quality 5.
	Brotli Algorithm = "Brotli"
)

// BrotliQuality is the fixed quality level used for both build-time
// compression and test round-trips (§4.2: "quality = 5").
const BrotliQuality = 5

// Codec is the uniform contract every block compressor implements.
type Codec interface {
	// Bound returns an upper bound on the compressed size of an input
	// of inputSize bytes, so callers can size destination buffers
	// without a second pass.
	Bound(inputSize int) int

	// Compress writes the compressed form of src into dst and returns
	// the number of bytes written. dst must have at least Bound(len(src))
	// bytes of capacity.
	Compress(dst, src []byte) (int, error)

	// Decompress writes the decompressed form of src into dst, which
	// must be exactly the recorded uncompressed size. A wrong
	// algorithm or truncated input is a StorageCorrupted error (§4.2).
	Decompress(dst, src []byte) error
}

// ByAlgorithm returns the Codec implementing the given on-disk
// algorithm id.
func ByAlgorithm(alg Algorithm) (Codec, error) {
	switch alg {
	case Deflate:
		return deflateCodec{}, nil
	case Brotli:
		return brotliCodec{level: BrotliQuality}, nil
	default:
		return nil, kylaerr.InvalidArgumentf("unknown compression algorithm %q", alg)
	}
}

// deflateCodec implements Codec over klauspost/compress/flate, which is
// bit-compatible with the standard deflate format required by §4.2.
type deflateCodec struct {
	// level, when zero, uses flate.DefaultCompression.
	level int
}

// CompressLevel returns a deflateCodec pinned to the given flate level.
// The builder's packed writer (C12) calls this with
// flate.BestCompression; ByAlgorithm's zero-value codec stays at
// flate.DefaultCompression for the pipeline's round-trip tests.
func CompressLevel(level int) Codec {
	return deflateCodec{level: level}
}

func (deflateCodec) Bound(inputSize int) int {
	// Deflate's worst case is the input plus a small fixed overhead
	// per stored-block boundary; 5 bytes per 65535-byte block plus a
	// small constant is the documented bound for compress/flate.
	return inputSize + (inputSize/65535+1)*5 + 16
}

func (c deflateCodec) Compress(dst, src []byte) (int, error) {
	level := c.level
	if level == 0 {
		level = flate.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return 0, kylaerr.Wrap(kylaerr.Io, "creating deflate writer", err)
	}
	if _, err := w.Write(src); err != nil {
		return 0, kylaerr.Wrap(kylaerr.Io, "deflate compress", err)
	}
	if err := w.Close(); err != nil {
		return 0, kylaerr.Wrap(kylaerr.Io, "closing deflate writer", err)
	}
	if buf.Len() > len(dst) {
		return 0, kylaerr.InvalidArgumentf("destination buffer too small: need %d, have %d", buf.Len(), len(dst))
	}
	return copy(dst, buf.Bytes()), nil
}

func (deflateCodec) Decompress(dst, src []byte) error {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF {
		return kylaerr.Wrap(kylaerr.StorageCorrupted, "deflate decompress", err)
	}
	if n != len(dst) {
		return kylaerr.StorageCorruptedf("deflate decompress: short output %d, want %d", n, len(dst))
	}
	// Confirm there is no trailing data beyond the declared output size.
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m != 0 {
		return kylaerr.StorageCorruptedf("deflate decompress: trailing data beyond declared output size")
	}
	return nil
}

// brotliCodec implements Codec over andybalholm/brotli.
type brotliCodec struct {
	level int
}

func (brotliCodec) Bound(inputSize int) int {
	// Brotli's worst-case expansion is small; follow the standard
	// rule of thumb used by brotli implementations (input + 1% + 16).
	return inputSize + inputSize/100 + 16
}

func (c brotliCodec) Compress(dst, src []byte) (int, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, c.level)
	if _, err := w.Write(src); err != nil {
		return 0, kylaerr.Wrap(kylaerr.Io, "brotli compress", err)
	}
	if err := w.Close(); err != nil {
		return 0, kylaerr.Wrap(kylaerr.Io, "closing brotli writer", err)
	}
	if buf.Len() > len(dst) {
		return 0, kylaerr.InvalidArgumentf("destination buffer too small: need %d, have %d", buf.Len(), len(dst))
	}
	return copy(dst, buf.Bytes()), nil
}

func (brotliCodec) Decompress(dst, src []byte) error {
	r := brotli.NewReader(bytes.NewReader(src))
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF {
		return kylaerr.Wrap(kylaerr.StorageCorrupted, "brotli decompress", err)
	}
	if n != len(dst) {
		return kylaerr.StorageCorruptedf("brotli decompress: short output %d, want %d", n, len(dst))
	}
	return nil
}
