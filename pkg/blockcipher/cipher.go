// Package blockcipher implements C3: AES-256-CBC with a PBKDF2-derived
// key, per-chunk salt and IV, as specified in §4.3.
package blockcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // mandated by §4.3: PBKDF2-HMAC-SHA1
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/Anteru/kyla/pkg/kylaerr"
)

const (
	// SaltSize is the length of the random PBKDF2 salt stored per chunk.
	SaltSize = 8
	// IVSize is the length of the random AES IV stored per chunk.
	IVSize = 16
	// BlobSize is SaltSize+IVSize, the on-disk size of a
	// ChunkEncryption.Data blob.
	BlobSize = SaltSize + IVSize

	// Algorithm is the on-disk algorithm id recorded in
	// fs_chunk_encryption.Algorithm.
	Algorithm = "AES256"

	pbkdf2Iterations = 4096
	pbkdf2KeyLen     = 64 // only the first 32 bytes are used as the AES key
	aesKeyLen        = 32
	blockSize        = aes.BlockSize
)

// Blob is the 24-byte (salt || iv) pair stored alongside an encrypted
// chunk.
type Blob [BlobSize]byte

// NewBlob generates a fresh random salt and IV, as required for every
// chunk written by the builder (§4.3: "Each chunk carries its own...
// random salt and... IV").
func NewBlob() (Blob, error) {
	var b Blob
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return Blob{}, kylaerr.Wrap(kylaerr.Io, "generating salt/iv", err)
	}
	return b, nil
}

// BlobFromParts packs an existing salt and IV into a Blob, used when
// reading a Blob back out of fs_chunk_encryption.Data.
func BlobFromParts(salt [SaltSize]byte, iv [IVSize]byte) Blob {
	var b Blob
	copy(b[:SaltSize], salt[:])
	copy(b[SaltSize:], iv[:])
	return b
}

func (b Blob) salt() []byte { return b[:SaltSize] }
func (b Blob) iv() []byte   { return b[SaltSize:] }

// deriveKey runs PBKDF2-HMAC-SHA1 over passphrase with the chunk's
// salt, 4096 iterations, 64-byte output, and returns the first 32
// bytes as the AES-256 key (§4.3).
func deriveKey(passphrase string, salt []byte) []byte {
	derived := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha1.New)
	return derived[:aesKeyLen]
}

// Encrypt encrypts plaintext with AES-256-CBC and PKCS#5 padding using
// a key derived from passphrase and blob's salt, with blob's IV.
func Encrypt(passphrase string, blob Blob, plaintext []byte) ([]byte, error) {
	key := deriveKey(passphrase, blob.salt())
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "creating AES cipher", err)
	}

	padded := pkcs5Pad(plaintext, blockSize)
	out := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, blob.iv())
	cbc.CryptBlocks(out, padded)
	return out, nil
}

// Decrypt decrypts ciphertext produced by Encrypt. If passphrase is
// empty, it fails with AuthRequired (§4.3: "AuthRequired when a chunk
// has ChunkEncryption but no passphrase was provided"). Invalid
// padding is reported as StorageCorrupted ("DecryptionFailed" in the
// spec's prose maps onto the StorageCorrupted kind per §7).
func Decrypt(passphrase string, blob Blob, ciphertext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, kylaerr.AuthRequiredf("chunk is encrypted but no passphrase was provided")
	}
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, kylaerr.StorageCorruptedf("ciphertext length %d is not a multiple of the AES block size", len(ciphertext))
	}

	key := deriveKey(passphrase, blob.salt())
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "creating AES cipher", err)
	}

	padded := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, blob.iv())
	cbc.CryptBlocks(padded, ciphertext)

	plain, err := pkcs5Unpad(padded, blockSize)
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.StorageCorrupted, "invalid PKCS#5 padding (wrong passphrase or corrupted data)", err)
	}
	return plain, nil
}

func pkcs5Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs5Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, kylaerr.StorageCorruptedf("padded data length %d is not a multiple of %d", len(data), blockSize)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, kylaerr.StorageCorruptedf("invalid PKCS#5 pad length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, kylaerr.StorageCorruptedf("invalid PKCS#5 padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
