package blockcodec

import (
	"bytes"
	"math/rand"
	"testing"
)

func roundTrip(t *testing.T, alg Algorithm, src []byte) {
	t.Helper()
	codec, err := ByAlgorithm(alg)
	if err != nil {
		t.Fatalf("ByAlgorithm(%s): %v", alg, err)
	}

	dst := make([]byte, codec.Bound(len(src)))
	n, err := codec.Compress(dst, src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	compressed := dst[:n]

	out := make([]byte, len(src))
	if err := codec.Decompress(out, compressed); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, src) {
		t.Fatalf("round trip mismatch for %s", alg)
	}
}

func TestDeflateRoundTrip(t *testing.T) {
	roundTrip(t, Deflate, bytes.Repeat([]byte("kyla"), 10000))
}

func TestBrotliRoundTrip(t *testing.T) {
	roundTrip(t, Brotli, bytes.Repeat([]byte{0}, 1<<20))
}

func TestRoundTripRandomData(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	data := make([]byte, 50000)
	r.Read(data)
	roundTrip(t, Deflate, data)
	roundTrip(t, Brotli, data)
}

func TestEmptyInput(t *testing.T) {
	roundTrip(t, Deflate, nil)
	roundTrip(t, Brotli, nil)
}

func TestDecompressWrongAlgorithmFails(t *testing.T) {
	src := bytes.Repeat([]byte("abc"), 1000)
	deflateCodec, _ := ByAlgorithm(Deflate)
	dst := make([]byte, deflateCodec.Bound(len(src)))
	n, err := deflateCodec.Compress(dst, src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	brotliCodec, _ := ByAlgorithm(Brotli)
	out := make([]byte, len(src))
	if err := brotliCodec.Decompress(out, dst[:n]); err == nil {
		t.Fatalf("expected decompressing deflate data as brotli to fail")
	}
}

func TestByAlgorithmUnknown(t *testing.T) {
	if _, err := ByAlgorithm("LZMA"); err == nil {
		t.Fatalf("expected an error for an unknown algorithm id")
	}
}

func TestCompressLevelUsedByBuilder(t *testing.T) {
	src := bytes.Repeat([]byte("repeat-me"), 5000)
	codec := CompressLevel(9) // flate.BestCompression
	dst := make([]byte, codec.Bound(len(src)))
	n, err := codec.Compress(dst, src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	out := make([]byte, len(src))
	if err := codec.Decompress(out, dst[:n]); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, src) {
		t.Fatalf("round trip mismatch at best compression level")
	}
}
