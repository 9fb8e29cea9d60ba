// Package hashutil implements C1: SHA-256 digests over byte slices and
// files, one-shot and streaming, as specified in §4.1.
package hashutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/Anteru/kyla/pkg/kylaerr"
)

// Size is the length in bytes of a Digest.
const Size = sha256.Size

// DefaultFileBufferSize is the buffered chunk size used when hashing a
// file from disk (§4.1: "default 1 MiB").
const DefaultFileBufferSize = 1 << 20

// Digest is a 32-byte SHA-256 hash. It compares purely by value: two
// Digests are Equal iff every byte matches, and Less orders them
// byte-wise.
type Digest [Size]byte

// Sum computes the SHA-256 digest of data in one shot.
func Sum(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// Equal reports whether d and other are byte-for-byte identical.
func (d Digest) Equal(other Digest) bool {
	return d == other
}

// Less reports whether d sorts before other under plain byte-wise
// comparison.
func (d Digest) Less(other Digest) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// IsZero reports whether d is the all-zero digest. A zero-byte
// Content does not have this digest: it hashes to SHA-256 of empty
// input.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the 64 lower-case hex character textual form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns a copy of the raw 32 digest bytes.
func (d Digest) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, d[:])
	return out
}

// ParseDigest parses a 64 character lower-case hex string into a Digest.
func ParseDigest(s string) (Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, kylaerr.Wrap(kylaerr.InvalidArgument, "invalid hex digest", err)
	}
	return FromBytes(raw)
}

// FromBytes wraps a 32-byte slice as a Digest, copying it so later
// mutation of the caller's slice cannot alter the Digest.
func FromBytes(b []byte) (Digest, error) {
	if len(b) != Size {
		return Digest{}, kylaerr.InvalidArgumentf("digest must be %d bytes, got %d", Size, len(b))
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// Streaming is an incremental SHA-256 computation: init/update/finalize,
// mirroring the teacher's buffered-read-then-hash idiom in
// content/integrity.go but exposed as a reusable stateful type so
// callers can hash partial reads without buffering the whole input.
type Streaming struct {
	h hash.Hash
}

// NewStreaming starts a new streaming SHA-256 computation.
func NewStreaming() *Streaming {
	return &Streaming{h: sha256.New()}
}

// Update feeds more bytes into the computation. It never returns an
// error: hash.Hash.Write is documented to never fail.
func (s *Streaming) Update(p []byte) {
	s.h.Write(p)
}

// Finalize returns the digest of everything written so far. The
// Streaming value may continue to be used after Finalize (matching
// hash.Hash semantics) but Kyla never relies on that.
func (s *Streaming) Finalize() Digest {
	var d Digest
	copy(d[:], s.h.Sum(nil))
	return d
}

// HashFile computes the SHA-256 digest of an entire file, reading in
// DefaultFileBufferSize chunks to bound memory use regardless of file
// size (§4.1).
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, kylaerr.Wrap(kylaerr.Io, "opening file for hashing", err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashReader computes the SHA-256 digest of everything remaining in r.
func HashReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	buf := make([]byte, DefaultFileBufferSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return Digest{}, kylaerr.Wrap(kylaerr.Io, "reading for hash", err)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}
